// Package checkpoint persists per-batch task outcomes and phase completion
// markers so an interrupted run resumes exactly where it stopped.
package checkpoint

import (
	"bytes"
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// ErrShrinkingRecord is returned when a write would replace a batch record
// with one holding fewer results.
var ErrShrinkingRecord = eris.New("checkpoint: record would shrink existing batch")

// Store is the durable checkpoint layer. Records are keyed by
// (run, phase, batch); each write replaces the whole batch.
type Store interface {
	// RecordBatch persists rec, replacing any prior record for the same key.
	// It returns only after the write is durable.
	RecordBatch(ctx context.Context, rec *model.CheckpointRecord) error
	// LoadBatch returns the record for a batch, or nil when absent.
	LoadBatch(ctx context.Context, runID, phaseID string, batch int) (*model.CheckpointRecord, error)
	// LoadPhase returns every record of a phase ordered by batch index.
	LoadPhase(ctx context.Context, runID, phaseID string) ([]model.CheckpointRecord, error)
	// MarkPhaseComplete writes the terminal marker once batches 0..batches-1
	// all hold complete records.
	MarkPhaseComplete(ctx context.Context, runID, phaseID string, batches int) error
	// PhaseMarkers returns the completion markers of a run.
	PhaseMarkers(ctx context.Context, runID string) ([]model.PhaseMarker, error)
	// DeletePhase removes a phase's records and marker so it runs again.
	DeletePhase(ctx context.Context, runID, phaseID string) error

	Migrate(ctx context.Context) error
	Close() error
}

// IsPhaseComplete reports whether a phase carries a completion marker.
func IsPhaseComplete(ctx context.Context, st Store, runID, phaseID string) (bool, error) {
	markers, err := st.PhaseMarkers(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, m := range markers {
		if m.PhaseID == phaseID {
			return true, nil
		}
	}
	return false, nil
}

// RecordVerified writes rec and reads it back, failing loudly unless the
// stored record holds every result that was written.
func RecordVerified(ctx context.Context, st Store, rec *model.CheckpointRecord) error {
	if err := st.RecordBatch(ctx, rec); err != nil {
		return err
	}
	got, err := st.LoadBatch(ctx, rec.RunID, rec.PhaseID, rec.BatchIndex)
	if err != nil {
		return eris.Wrap(err, "checkpoint: read back")
	}
	if got == nil {
		return eris.Errorf("checkpoint: read back %s/%d: record missing", rec.PhaseID, rec.BatchIndex)
	}
	if len(got.Results) != len(rec.Results) {
		return eris.Errorf("checkpoint: read back %s/%d: stored %d results, wrote %d",
			rec.PhaseID, rec.BatchIndex, len(got.Results), len(rec.Results))
	}
	return nil
}

// Failures lists every Failure result persisted for the given phases.
func Failures(ctx context.Context, st Store, runID string, phases []string) ([]model.FailureEntry, error) {
	var out []model.FailureEntry
	for _, phaseID := range phases {
		recs, err := st.LoadPhase(ctx, runID, phaseID)
		if err != nil {
			return nil, eris.Wrapf(err, "checkpoint: failures for %s", phaseID)
		}
		for _, rec := range recs {
			for _, r := range rec.Results {
				if !r.Failed() {
					continue
				}
				out = append(out, model.FailureEntry{
					PhaseID:    phaseID,
					BatchIndex: rec.BatchIndex,
					TaskID:     r.TaskID,
					Kind:       r.ErrorKind,
					Detail:     r.Detail,
					Attempt:    r.Attempt,
				})
			}
		}
	}
	return out, nil
}

// checkKey rejects identifiers that would alias another run or phase in a
// path-shaped storage key.
func checkKey(runID, phaseID string) error {
	if err := model.CheckID("run", runID); err != nil {
		return err
	}
	return model.CheckID("phase", phaseID)
}

func validateRecord(rec *model.CheckpointRecord) error {
	if rec == nil {
		return eris.New("checkpoint: nil record")
	}
	if err := checkKey(rec.RunID, rec.PhaseID); err != nil {
		return err
	}
	if rec.BatchIndex < 0 {
		return eris.Errorf("checkpoint: negative batch index %d", rec.BatchIndex)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return nil
}

// sameContent reports whether two records carry the same partition and
// results. RecordedAt is ignored.
func sameContent(a, b *model.CheckpointRecord) bool {
	if a.TaskCount != b.TaskCount {
		return false
	}
	aIDs, aRes, err := marshalRecord(a)
	if err != nil {
		return false
	}
	bIDs, bRes, err := marshalRecord(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aIDs, bIDs) && bytes.Equal(aRes, bRes)
}

// checkComplete verifies that batches 0..n-1 are present and complete.
func checkComplete(phaseID string, recs []model.CheckpointRecord, n int) error {
	seen := make(map[int]bool, len(recs))
	for i := range recs {
		if recs[i].Complete() {
			seen[recs[i].BatchIndex] = true
		}
	}
	for b := 0; b < n; b++ {
		if !seen[b] {
			return eris.Errorf("checkpoint: phase %s batch %d has no complete record", phaseID, b)
		}
	}
	return nil
}
