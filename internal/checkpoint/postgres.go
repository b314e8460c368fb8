package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock's pool
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS checkpoint_batches (
	run_id       TEXT NOT NULL,
	phase_id     TEXT NOT NULL,
	batch_index  INTEGER NOT NULL,
	task_ids     JSONB NOT NULL,
	task_count   INTEGER NOT NULL,
	result_count INTEGER NOT NULL,
	results      JSONB NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, phase_id, batch_index)
);

CREATE TABLE IF NOT EXISTS phase_markers (
	run_id       TEXT NOT NULL,
	phase_id     TEXT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, phase_id)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) RecordBatch(ctx context.Context, rec *model.CheckpointRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	taskIDs, results, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoint_batches
		 (run_id, phase_id, batch_index, task_ids, task_count, result_count, results, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, phase_id, batch_index) DO UPDATE SET
		   task_ids = EXCLUDED.task_ids,
		   task_count = EXCLUDED.task_count,
		   result_count = EXCLUDED.result_count,
		   results = EXCLUDED.results,
		   recorded_at = CASE
		     WHEN checkpoint_batches.task_ids = EXCLUDED.task_ids
		      AND checkpoint_batches.task_count = EXCLUDED.task_count
		      AND checkpoint_batches.results = EXCLUDED.results
		     THEN checkpoint_batches.recorded_at
		     ELSE EXCLUDED.recorded_at
		   END
		 WHERE checkpoint_batches.result_count <= EXCLUDED.result_count`,
		rec.RunID, rec.PhaseID, rec.BatchIndex, taskIDs, rec.TaskCount,
		len(rec.Results), results, rec.RecordedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record batch %s/%d", rec.PhaseID, rec.BatchIndex)
	}
	if tag.RowsAffected() == 0 {
		return ErrShrinkingRecord
	}
	return nil
}

func (s *PostgresStore) LoadBatch(ctx context.Context, runID, phaseID string, batch int) (*model.CheckpointRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, phase_id, batch_index, task_ids, task_count, results, recorded_at
		 FROM checkpoint_batches WHERE run_id = $1 AND phase_id = $2 AND batch_index = $3`,
		runID, phaseID, batch,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load batch %s/%d", phaseID, batch)
	}
	return rec, nil
}

func (s *PostgresStore) LoadPhase(ctx context.Context, runID, phaseID string) ([]model.CheckpointRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, phase_id, batch_index, task_ids, task_count, results, recorded_at
		 FROM checkpoint_batches WHERE run_id = $1 AND phase_id = $2 ORDER BY batch_index`,
		runID, phaseID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load phase %s", phaseID)
	}
	defer rows.Close()

	var out []model.CheckpointRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan phase %s", phaseID)
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load phase iterate")
}

func (s *PostgresStore) MarkPhaseComplete(ctx context.Context, runID, phaseID string, batches int) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO phase_markers (run_id, phase_id, completed_at) VALUES ($1, $2, now())
		 ON CONFLICT (run_id, phase_id) DO NOTHING`,
		runID, phaseID,
	)
	return eris.Wrapf(err, "postgres: mark phase %s complete", phaseID)
}

func (s *PostgresStore) PhaseMarkers(ctx context.Context, runID string) ([]model.PhaseMarker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, phase_id, completed_at FROM phase_markers WHERE run_id = $1 ORDER BY phase_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: phase markers")
	}
	defer rows.Close()

	var out []model.PhaseMarker
	for rows.Next() {
		var m model.PhaseMarker
		if err := rows.Scan(&m.RunID, &m.PhaseID, &m.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan phase marker")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: phase markers iterate")
}

func (s *PostgresStore) DeletePhase(ctx context.Context, runID, phaseID string) error {
	_, err := s.pool.Exec(ctx,
		`WITH b AS (DELETE FROM checkpoint_batches WHERE run_id = $1 AND phase_id = $2)
		 DELETE FROM phase_markers WHERE run_id = $1 AND phase_id = $2`,
		runID, phaseID,
	)
	return eris.Wrapf(err, "postgres: delete phase %s", phaseID)
}
