package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per-connection; a single connection keeps them in force
	// and serializes concurrent phase writes.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS checkpoint_batches (
	run_id       TEXT NOT NULL,
	phase_id     TEXT NOT NULL,
	batch_index  INTEGER NOT NULL,
	task_ids     TEXT NOT NULL,
	task_count   INTEGER NOT NULL,
	result_count INTEGER NOT NULL,
	results      TEXT NOT NULL,
	recorded_at  DATETIME NOT NULL,
	PRIMARY KEY (run_id, phase_id, batch_index)
);

CREATE TABLE IF NOT EXISTS phase_markers (
	run_id       TEXT NOT NULL,
	phase_id     TEXT NOT NULL,
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, phase_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordBatch(ctx context.Context, rec *model.CheckpointRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	taskIDs, results, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_batches
		 (run_id, phase_id, batch_index, task_ids, task_count, result_count, results, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, phase_id, batch_index) DO UPDATE SET
		   task_ids = excluded.task_ids,
		   task_count = excluded.task_count,
		   result_count = excluded.result_count,
		   results = excluded.results,
		   recorded_at = CASE
		     WHEN checkpoint_batches.task_ids = excluded.task_ids
		      AND checkpoint_batches.task_count = excluded.task_count
		      AND checkpoint_batches.results = excluded.results
		     THEN checkpoint_batches.recorded_at
		     ELSE excluded.recorded_at
		   END
		 WHERE checkpoint_batches.result_count <= excluded.result_count`,
		rec.RunID, rec.PhaseID, rec.BatchIndex, string(taskIDs), rec.TaskCount,
		len(rec.Results), string(results), rec.RecordedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record batch %s/%d", rec.PhaseID, rec.BatchIndex)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrShrinkingRecord
	}
	return nil
}

func (s *SQLiteStore) LoadBatch(ctx context.Context, runID, phaseID string, batch int) (*model.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, phase_id, batch_index, task_ids, task_count, results, recorded_at
		 FROM checkpoint_batches WHERE run_id = ? AND phase_id = ? AND batch_index = ?`,
		runID, phaseID, batch,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load batch %s/%d", phaseID, batch)
	}
	return rec, nil
}

func (s *SQLiteStore) LoadPhase(ctx context.Context, runID, phaseID string) ([]model.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phase_id, batch_index, task_ids, task_count, results, recorded_at
		 FROM checkpoint_batches WHERE run_id = ? AND phase_id = ? ORDER BY batch_index`,
		runID, phaseID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load phase %s", phaseID)
	}
	defer rows.Close()

	var out []model.CheckpointRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan phase %s", phaseID)
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load phase iterate")
}

func (s *SQLiteStore) MarkPhaseComplete(ctx context.Context, runID, phaseID string, batches int) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO phase_markers (run_id, phase_id, completed_at) VALUES (?, ?, ?)
		 ON CONFLICT (run_id, phase_id) DO NOTHING`,
		runID, phaseID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark phase %s complete", phaseID)
}

func (s *SQLiteStore) PhaseMarkers(ctx context.Context, runID string) ([]model.PhaseMarker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phase_id, completed_at FROM phase_markers WHERE run_id = ? ORDER BY phase_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: phase markers")
	}
	defer rows.Close()

	var out []model.PhaseMarker
	for rows.Next() {
		var m model.PhaseMarker
		if err := rows.Scan(&m.RunID, &m.PhaseID, &m.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan phase marker")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: phase markers iterate")
}

func (s *SQLiteStore) DeletePhase(ctx context.Context, runID, phaseID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete phase")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_batches WHERE run_id = ? AND phase_id = ?`, runID, phaseID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: delete batches %s", phaseID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM phase_markers WHERE run_id = ? AND phase_id = ?`, runID, phaseID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: delete marker %s", phaseID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete phase")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.CheckpointRecord, error) {
	var rec model.CheckpointRecord
	var taskIDs, results []byte
	if err := row.Scan(&rec.RunID, &rec.PhaseID, &rec.BatchIndex, &taskIDs, &rec.TaskCount, &results, &rec.RecordedAt); err != nil {
		return nil, err
	}
	if err := unmarshalRecord(&rec, taskIDs, results); err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalRecord(rec *model.CheckpointRecord) (taskIDs, results []byte, err error) {
	taskIDs, err = json.Marshal(rec.TaskIDs)
	if err != nil {
		return nil, nil, eris.Wrap(err, "checkpoint: marshal task ids")
	}
	results, err = json.Marshal(rec.Results)
	if err != nil {
		return nil, nil, eris.Wrap(err, "checkpoint: marshal results")
	}
	return taskIDs, results, nil
}

func unmarshalRecord(rec *model.CheckpointRecord, taskIDs, results []byte) error {
	if err := json.Unmarshal(taskIDs, &rec.TaskIDs); err != nil {
		return eris.Wrap(err, "checkpoint: unmarshal task ids")
	}
	if err := json.Unmarshal(results, &rec.Results); err != nil {
		return eris.Wrap(err, "checkpoint: unmarshal results")
	}
	return nil
}
