package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

type batchKey struct {
	run, phase string
	batch      int
}

type phaseKey struct {
	run, phase string
}

// MemoryStore implements Store in process memory. Records are deep-copied on
// write and read so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[batchKey][]byte
	markers map[phaseKey]time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[batchKey][]byte),
		markers: make(map[phaseKey]time.Time),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) RecordBatch(_ context.Context, rec *model.CheckpointRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "memory: marshal record")
	}

	key := batchKey{rec.RunID, rec.PhaseID, rec.BatchIndex}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[key]; ok {
		var old model.CheckpointRecord
		if err := json.Unmarshal(prev, &old); err != nil {
			return eris.Wrap(err, "memory: unmarshal record")
		}
		if len(old.Results) > len(rec.Results) {
			return ErrShrinkingRecord
		}
		if sameContent(&old, rec) {
			rec.RecordedAt = old.RecordedAt
			return nil
		}
	}
	s.records[key] = data
	return nil
}

func (s *MemoryStore) LoadBatch(_ context.Context, runID, phaseID string, batch int) (*model.CheckpointRecord, error) {
	s.mu.RLock()
	data, ok := s.records[batchKey{runID, phaseID, batch}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var rec model.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrap(err, "memory: unmarshal record")
	}
	return &rec, nil
}

func (s *MemoryStore) LoadPhase(_ context.Context, runID, phaseID string) ([]model.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CheckpointRecord
	for k, data := range s.records {
		if k.run != runID || k.phase != phaseID {
			continue
		}
		var rec model.CheckpointRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, eris.Wrap(err, "memory: unmarshal record")
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchIndex < out[j].BatchIndex })
	return out, nil
}

func (s *MemoryStore) MarkPhaseComplete(ctx context.Context, runID, phaseID string, batches int) error {
	if err := checkKey(runID, phaseID); err != nil {
		return err
	}
	recs, err := s.LoadPhase(ctx, runID, phaseID)
	if err != nil {
		return err
	}
	if err := checkComplete(phaseID, recs, batches); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[phaseKey{runID, phaseID}]; !ok {
		s.markers[phaseKey{runID, phaseID}] = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) PhaseMarkers(_ context.Context, runID string) ([]model.PhaseMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PhaseMarker
	for k, at := range s.markers {
		if k.run == runID {
			out = append(out, model.PhaseMarker{RunID: runID, PhaseID: k.phase, CompletedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhaseID < out[j].PhaseID })
	return out, nil
}

func (s *MemoryStore) DeletePhase(_ context.Context, runID, phaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.records {
		if k.run == runID && k.phase == phaseID {
			delete(s.records, k)
		}
	}
	delete(s.markers, phaseKey{runID, phaseID})
	return nil
}
