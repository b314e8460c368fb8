package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// backends returns a fresh instance of every embedded Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := NewSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)

	bd, err := NewBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)

	out := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
		"badger": bd,
	}
	for _, st := range out {
		require.NoError(t, st.Migrate(context.Background()))
		t.Cleanup(func() { _ = st.Close() })
	}
	return out
}

func makeRecord(runID, phaseID string, batch int, ids []string, failed ...string) *model.CheckpointRecord {
	fail := make(map[string]bool, len(failed))
	for _, id := range failed {
		fail[id] = true
	}
	rec := &model.CheckpointRecord{
		RunID:      runID,
		PhaseID:    phaseID,
		BatchIndex: batch,
		TaskIDs:    ids,
		TaskCount:  len(ids),
	}
	for _, id := range ids {
		unit := model.TaskUnit{ID: id}
		if fail[id] {
			rec.Results = append(rec.Results, model.NewFailure(unit, phaseID, batch, 3, model.ErrorKindPermanent, "404 not found"))
			continue
		}
		out := model.TaskOutput{Payload: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))}
		rec.Results = append(rec.Results, model.NewSuccess(unit, phaseID, batch, 1, out))
	}
	return rec
}

func TestStore_RecordAndLoadBatch(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := makeRecord("r1", "crawl", 0, []string{"a", "b"}, "b")
			require.NoError(t, st.RecordBatch(ctx, rec))

			got, err := st.LoadBatch(ctx, "r1", "crawl", 0)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, []string{"a", "b"}, got.TaskIDs)
			assert.Equal(t, 2, got.TaskCount)
			require.Len(t, got.Results, 2)
			assert.Equal(t, model.ResultSuccess, got.Results[0].Status)
			assert.JSONEq(t, `{"id":"a"}`, string(got.Results[0].Payload))
			assert.Equal(t, model.ResultFailure, got.Results[1].Status)
			assert.Equal(t, model.ErrorKindPermanent, got.Results[1].ErrorKind)
			assert.Equal(t, 3, got.Results[1].Attempt)
			assert.True(t, got.Complete())
			assert.False(t, got.RecordedAt.IsZero())
		})
	}
}

func TestStore_LoadBatchMissing(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.LoadBatch(context.Background(), "r1", "crawl", 7)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_RecordIsIdempotent(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := makeRecord("r1", "crawl", 0, []string{"a", "b"}, "b")
			require.NoError(t, st.RecordBatch(ctx, rec))
			first, err := st.LoadBatch(ctx, "r1", "crawl", 0)
			require.NoError(t, err)
			require.NotNil(t, first)

			// Same results written again later, as a fresh record.
			time.Sleep(5 * time.Millisecond)
			again := *rec
			again.RecordedAt = time.Time{}
			require.NoError(t, st.RecordBatch(ctx, &again))

			second, err := st.LoadBatch(ctx, "r1", "crawl", 0)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			recs, err := st.LoadPhase(ctx, "r1", "crawl")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, *first, recs[0])
		})
	}
}

func TestStore_ChangedRecordReplaces(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := makeRecord("r1", "crawl", 0, []string{"a", "b"}, "b")
			require.NoError(t, st.RecordBatch(ctx, rec))
			first, err := st.LoadBatch(ctx, "r1", "crawl", 0)
			require.NoError(t, err)

			time.Sleep(5 * time.Millisecond)
			retried := makeRecord("r1", "crawl", 0, []string{"a", "b"})
			require.NoError(t, st.RecordBatch(ctx, retried))

			second, err := st.LoadBatch(ctx, "r1", "crawl", 0)
			require.NoError(t, err)
			assert.Zero(t, second.FailureCount())
			assert.True(t, second.RecordedAt.After(first.RecordedAt))
		})
	}
}

func TestStore_RejectsShrinkingRecord(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			full := makeRecord("r1", "crawl", 0, []string{"a", "b"})
			require.NoError(t, st.RecordBatch(ctx, full))

			partial := makeRecord("r1", "crawl", 0, []string{"a", "b"})
			partial.Results = partial.Results[:1]
			err := st.RecordBatch(ctx, partial)
			require.ErrorIs(t, err, ErrShrinkingRecord)

			got, err := st.LoadBatch(ctx, "r1", "crawl", 0)
			require.NoError(t, err)
			assert.Len(t, got.Results, 2)
		})
	}
}

func TestStore_LoadPhaseOrderedAndScoped(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, b := range []int{2, 0, 11, 1} {
				require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", b, []string{fmt.Sprintf("t%d", b)})))
			}
			require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl-extra", 0, []string{"x"})))
			require.NoError(t, st.RecordBatch(ctx, makeRecord("r2", "crawl", 0, []string{"y"})))

			recs, err := st.LoadPhase(ctx, "r1", "crawl")
			require.NoError(t, err)
			require.Len(t, recs, 4)
			var idx []int
			for _, r := range recs {
				idx = append(idx, r.BatchIndex)
				assert.Equal(t, "r1", r.RunID)
				assert.Equal(t, "crawl", r.PhaseID)
			}
			assert.Equal(t, []int{0, 1, 2, 11}, idx)
		})
	}
}

func TestStore_MarkPhaseCompleteRequiresAllBatches(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", 0, []string{"a"})))

			err := st.MarkPhaseComplete(ctx, "r1", "crawl", 2)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "batch 1")

			done, err := IsPhaseComplete(ctx, st, "r1", "crawl")
			require.NoError(t, err)
			assert.False(t, done)

			require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", 1, []string{"b"})))
			require.NoError(t, st.MarkPhaseComplete(ctx, "r1", "crawl", 2))
			require.NoError(t, st.MarkPhaseComplete(ctx, "r1", "crawl", 2))

			done, err = IsPhaseComplete(ctx, st, "r1", "crawl")
			require.NoError(t, err)
			assert.True(t, done)

			markers, err := st.PhaseMarkers(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, markers, 1)
			assert.Equal(t, "crawl", markers[0].PhaseID)

			other, err := st.PhaseMarkers(ctx, "r2")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestStore_MarkPhaseCompleteRejectsIncompleteRecord(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := makeRecord("r1", "crawl", 0, []string{"a", "b"})
			rec.Results = rec.Results[:1]
			require.NoError(t, st.RecordBatch(ctx, rec))

			require.Error(t, st.MarkPhaseComplete(ctx, "r1", "crawl", 1))
		})
	}
}

func TestStore_DeletePhase(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", 0, []string{"a"})))
			require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "enrich", 0, []string{"a"})))
			require.NoError(t, st.MarkPhaseComplete(ctx, "r1", "crawl", 1))

			require.NoError(t, st.DeletePhase(ctx, "r1", "crawl"))

			recs, err := st.LoadPhase(ctx, "r1", "crawl")
			require.NoError(t, err)
			assert.Empty(t, recs)
			done, err := IsPhaseComplete(ctx, st, "r1", "crawl")
			require.NoError(t, err)
			assert.False(t, done)

			kept, err := st.LoadPhase(ctx, "r1", "enrich")
			require.NoError(t, err)
			assert.Len(t, kept, 1)
		})
	}
}

func TestStore_ValidatesRecord(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	require.Error(t, st.RecordBatch(ctx, nil))
	require.Error(t, st.RecordBatch(ctx, &model.CheckpointRecord{PhaseID: "crawl"}))
	require.Error(t, st.RecordBatch(ctx, &model.CheckpointRecord{RunID: "r1", PhaseID: "crawl", BatchIndex: -1}))
}

func TestStore_RejectsPathLikeRunIDs(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := st.RecordBatch(ctx, makeRecord("nightly/A", "crawl", 0, []string{"a"}))
			require.Error(t, err)
			assert.True(t, model.IsConfigError(err))

			// A phase with no tasks completes with zero batches.
			err = st.MarkPhaseComplete(ctx, "nightly/A", "B", 0)
			require.Error(t, err)
			assert.True(t, model.IsConfigError(err))

			recs, err := st.LoadPhase(ctx, "nightly", "A")
			require.NoError(t, err)
			assert.Empty(t, recs)
			markers, err := st.PhaseMarkers(ctx, "nightly")
			require.NoError(t, err)
			assert.Empty(t, markers)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	rec := makeRecord("r1", "crawl", 0, []string{"a"})
	require.NoError(t, st.RecordBatch(ctx, rec))

	rec.Results[0].Detail = "mutated"
	got, err := st.LoadBatch(ctx, "r1", "crawl", 0)
	require.NoError(t, err)
	assert.Empty(t, got.Results[0].Detail)

	got.Results[0].Detail = "mutated again"
	again, err := st.LoadBatch(ctx, "r1", "crawl", 0)
	require.NoError(t, err)
	assert.Empty(t, again.Results[0].Detail)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	ctx := context.Background()

	st, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", 0, []string{"a"})))
	require.NoError(t, st.MarkPhaseComplete(ctx, "r1", "crawl", 1))
	require.NoError(t, st.Close())

	st, err = NewSQLite(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))

	got, err := st.LoadBatch(ctx, "r1", "crawl", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Complete())
	done, err := IsPhaseComplete(ctx, st, "r1", "crawl")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite("/nonexistent/dir/subdir/test.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestBadgerStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := NewBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", 0, []string{"a", "b"}, "a")))
	require.NoError(t, st.Close())

	st, err = NewBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer st.Close()

	got, err := st.LoadBatch(ctx, "r1", "crawl", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.FailureCount())
}

func TestNewBadger_RequiresPath(t *testing.T) {
	_, err := NewBadger(BadgerConfig{})
	require.Error(t, err)
}

func TestRecordVerified(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	rec := makeRecord("r1", "crawl", 0, []string{"a", "b"})
	require.NoError(t, RecordVerified(ctx, st, rec))

	got, err := st.LoadBatch(ctx, "r1", "crawl", 0)
	require.NoError(t, err)
	assert.Len(t, got.Results, 2)
}

// lossyStore drops the last result on write, simulating a backend that
// silently truncates.
type lossyStore struct {
	*MemoryStore
}

func (s lossyStore) RecordBatch(ctx context.Context, rec *model.CheckpointRecord) error {
	cp := *rec
	cp.Results = cp.Results[:len(cp.Results)-1]
	return s.MemoryStore.RecordBatch(ctx, &cp)
}

func TestRecordVerified_DetectsTruncation(t *testing.T) {
	st := lossyStore{NewMemory()}
	err := RecordVerified(context.Background(), st, makeRecord("r1", "crawl", 0, []string{"a", "b"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stored 1 results, wrote 2")
}

func TestFailures(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", 0, []string{"a", "b"}, "b")))
	require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "crawl", 1, []string{"c"})))
	require.NoError(t, st.RecordBatch(ctx, makeRecord("r1", "enrich", 0, []string{"a"}, "a")))

	got, err := Failures(ctx, st, "r1", []string{"crawl", "enrich"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.FailureEntry{
		PhaseID: "crawl", BatchIndex: 0, TaskID: "b",
		Kind: model.ErrorKindPermanent, Detail: "404 not found", Attempt: 3,
	}, got[0])
	assert.Equal(t, "enrich", got[1].PhaseID)
}

func TestValidateRecord_StampsTime(t *testing.T) {
	rec := &model.CheckpointRecord{RunID: "r1", PhaseID: "crawl"}
	before := time.Now().UTC()
	require.NoError(t, validateRecord(rec))
	assert.False(t, rec.RecordedAt.Before(before))
}
