package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// BadgerConfig configures the embedded key-value checkpoint backend.
type BadgerConfig struct {
	Path     string
	InMemory bool
}

// BadgerStore implements Store on an embedded Badger database. Keys are
// "cp/<run>/<phase>/<batch>" for records and "done/<run>/<phase>" for
// completion markers; batch indexes are zero-padded so prefix scans return
// records in batch order.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger routes Badger's internal logging through zap.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }

// NewBadger opens a Badger database. Writes are synced before returning.
func NewBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, eris.New("badger: path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, eris.Wrapf(err, "badger: create directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: zap.L().Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "badger: open")
	}
	return &BadgerStore{db: db}, nil
}

func recordKey(runID, phaseID string, batch int) []byte {
	return []byte(fmt.Sprintf("cp/%s/%s/%010d", runID, phaseID, batch))
}

func phasePrefix(runID, phaseID string) []byte {
	return []byte(fmt.Sprintf("cp/%s/%s/", runID, phaseID))
}

func markerKey(runID, phaseID string) []byte {
	return []byte(fmt.Sprintf("done/%s/%s", runID, phaseID))
}

func markerPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("done/%s/", runID))
}

func (s *BadgerStore) Migrate(context.Context) error { return nil }

func (s *BadgerStore) Close() error {
	return eris.Wrap(s.db.Close(), "badger: close")
}

func (s *BadgerStore) RecordBatch(_ context.Context, rec *model.CheckpointRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "badger: marshal record")
	}
	key := recordKey(rec.RunID, rec.PhaseID, rec.BatchIndex)

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			prev, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var old model.CheckpointRecord
			if err := json.Unmarshal(prev, &old); err != nil {
				return eris.Wrap(err, "badger: unmarshal record")
			}
			if len(old.Results) > len(rec.Results) {
				return ErrShrinkingRecord
			}
			if sameContent(&old, rec) {
				rec.RecordedAt = old.RecordedAt
				return nil
			}
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, ErrShrinkingRecord) {
		return ErrShrinkingRecord
	}
	return eris.Wrapf(err, "badger: record batch %s/%d", rec.PhaseID, rec.BatchIndex)
}

func (s *BadgerStore) LoadBatch(_ context.Context, runID, phaseID string, batch int) (*model.CheckpointRecord, error) {
	var rec *model.CheckpointRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(runID, phaseID, batch))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &model.CheckpointRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "badger: load batch %s/%d", phaseID, batch)
	}
	return rec, nil
}

func (s *BadgerStore) LoadPhase(_ context.Context, runID, phaseID string) ([]model.CheckpointRecord, error) {
	var out []model.CheckpointRecord
	prefix := phasePrefix(runID, phaseID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.CheckpointRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "badger: load phase %s", phaseID)
	}
	return out, nil
}

func (s *BadgerStore) MarkPhaseComplete(ctx context.Context, runID, phaseID string, batches int) error {
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
	marker, err := json.Marshal(model.PhaseMarker{RunID: runID, PhaseID: phaseID, CompletedAt: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "badger: marshal marker")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(markerKey(runID, phaseID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(markerKey(runID, phaseID), marker)
	})
	return eris.Wrapf(err, "badger: mark phase %s complete", phaseID)
}

func (s *BadgerStore) PhaseMarkers(_ context.Context, runID string) ([]model.PhaseMarker, error) {
	var out []model.PhaseMarker
	prefix := markerPrefix(runID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m model.PhaseMarker
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "badger: phase markers")
	}
	return out, nil
}

func (s *BadgerStore) DeletePhase(_ context.Context, runID, phaseID string) error {
	prefix := phasePrefix(runID, phaseID)
	err := s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		keys = append(keys, markerKey(runID, phaseID))
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrapf(err, "badger: delete phase %s", phaseID)
}
