package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const UNIQUE_VIOLATION = "23505"

const runColumns = `id, definition_name, idempotency_key, input, current_step, status, lease, error, archived, created_at, updated_at, finished_at`

const stepColumns = `run_id, step_index, step_name, attempt, status, output, error, started_at, finished_at`

type Config struct {
	URL      string
	MaxConns int32
}

type postgresStorage struct {
	pool *pgxpool.Pool
}

var _ persistence.Storage = new(postgresStorage)

func NewPostgresStorage(ctx context.Context, conf Config) (*postgresStorage, error) {
	poolConf, err := pgxpool.ParseConfig(conf.URL)
	if err != nil {
		return nil, err
	}
	if conf.MaxConns > 0 {
		poolConf.MaxConns = conf.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConf)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStorage{pool: pool}, nil
}

func storageError(err error) error {
	return persistence.StorageLayerError{Message: err.Error()}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UNIQUE_VIOLATION
}

func scanRun(row pgx.Row) (*model.WorkflowRun, error) {
	var r model.WorkflowRun
	var input, runErr []byte
	var status string
	var lease *string
	if err := row.Scan(&r.Id, &r.DefinitionName, &r.IdempotencyKey, &input, &r.CurrentStep, &status, &lease,
		&runErr, &r.Archived, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Input = json.RawMessage(input)
	r.Status = model.RunStatus(status)
	if lease != nil {
		r.Lease = *lease
	}
	if len(runErr) > 0 {
		r.Error = &model.RunError{}
		if err := json.Unmarshal(runErr, r.Error); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*model.WorkflowRun, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.WorkflowRun, error) {
		return scanRun(row)
	})
}

func scanStep(row pgx.CollectableRow) (model.StepRecord, error) {
	var rec model.StepRecord
	var status string
	var output, stepErr []byte
	if err := row.Scan(&rec.RunId, &rec.StepIndex, &rec.StepName, &rec.Attempt, &status, &output, &stepErr,
		&rec.StartedAt, &rec.FinishedAt); err != nil {
		return rec, err
	}
	rec.Status = model.StepStatus(status)
	if len(output) > 0 {
		rec.Output = json.RawMessage(output)
	}
	if len(stepErr) > 0 {
		rec.Error = &model.StepErrorDetail{}
		if err := json.Unmarshal(stepErr, rec.Error); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func marshalNullable(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (s *postgresStorage) CreateRunIfAbsent(ctx context.Context, run *model.WorkflowRun) (*model.WorkflowRun, bool, error) {
	// a conflicting run can fail between the insert and the lookup, so retry a few times
	for i := 0; i < 3; i++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO workflow_runs (id, definition_name, idempotency_key, input, current_step, status, archived, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
			ON CONFLICT (definition_name, idempotency_key) WHERE status <> 'failed' DO NOTHING`,
			run.Id, run.DefinitionName, run.IdempotencyKey, []byte(run.Input), run.CurrentStep, string(run.Status), run.CreatedAt, run.UpdatedAt)
		if err != nil {
			return nil, false, storageError(err)
		}
		if tag.RowsAffected() == 1 {
			stored := run.Clone()
			stored.Lease = ""
			return stored, true, nil
		}
		existing, err := scanRun(s.pool.QueryRow(ctx, `
			SELECT `+runColumns+` FROM workflow_runs
			WHERE definition_name = $1 AND idempotency_key = $2 AND status <> 'failed'`,
			run.DefinitionName, run.IdempotencyKey))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, storageError(err)
		}
		return existing, false, nil
	}
	return nil, false, persistence.StorageLayerError{Message: "idempotency key " + run.IdempotencyKey + " kept changing hands"}
}

func (s *postgresStorage) GetRun(ctx context.Context, runId string) (*model.WorkflowRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persistence.ErrRunNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return run, nil
}

func (s *postgresStorage) GetRunByKey(ctx context.Context, definitionName string, key string) (*model.WorkflowRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE definition_name = $1 AND idempotency_key = $2
		ORDER BY (status <> 'failed') DESC, created_at DESC
		LIMIT 1`, definitionName, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persistence.ErrRunNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return run, nil
}

func (s *postgresStorage) GetStepRecords(ctx context.Context, runId string) ([]model.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM step_records
		WHERE run_id = $1
		ORDER BY step_index, attempt`, runId)
	if err != nil {
		return nil, storageError(err)
	}
	records, err := pgx.CollectRows(rows, scanStep)
	if err != nil {
		return nil, storageError(err)
	}
	return records, nil
}

func (s *postgresStorage) ClaimRun(ctx context.Context, runId string, lease string, now time.Time, staleBefore time.Time) (*model.WorkflowRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE workflow_runs SET status = 'running', lease = $2, updated_at = $3
		WHERE id = $1 AND (status = 'pending' OR (status = 'running' AND updated_at < $4))
		RETURNING `+runColumns, runId, lease, now, staleBefore))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageError(err)
	}
	if _, err := s.GetRun(ctx, runId); err != nil {
		return nil, err
	}
	return nil, persistence.ErrRunNotClaimable
}

// lockLeased locks the run row for the rest of tx and checks the caller still holds the lease.
func lockLeased(ctx context.Context, tx pgx.Tx, runId string, lease string) error {
	var current *string
	err := tx.QueryRow(ctx, `SELECT lease FROM workflow_runs WHERE id = $1 FOR UPDATE`, runId).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.ErrRunNotFound
	}
	if err != nil {
		return storageError(err)
	}
	if lease == "" || current == nil || *current != lease {
		return persistence.ErrLeaseLost
	}
	return nil
}

func hasSucceeded(ctx context.Context, tx pgx.Tx, runId string, stepIndex int) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM step_records WHERE run_id = $1 AND step_index = $2 AND status = 'succeeded')`,
		runId, stepIndex).Scan(&exists)
	if err != nil {
		return false, storageError(err)
	}
	return exists, nil
}

// inTx runs fn in a transaction, committing only when fn returns nil.
func (s *postgresStorage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageError(err)
	}
	defer func() {
		if err := tx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logger.Warn("rollback failed", zap.Error(err))
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError(err)
	}
	return nil
}

func (s *postgresStorage) StartStep(ctx context.Context, lease string, rec *model.StepRecord, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockLeased(ctx, tx, rec.RunId, lease); err != nil {
			return err
		}
		succeeded, err := hasSucceeded(ctx, tx, rec.RunId, rec.StepIndex)
		if err != nil {
			return err
		}
		if succeeded {
			return persistence.ErrStepAlreadySucceeded
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO step_records (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, NULL, NULL, $6, NULL)
			ON CONFLICT (run_id, step_index, attempt) DO UPDATE
			SET step_name = EXCLUDED.step_name, started_at = EXCLUDED.started_at
			WHERE step_records.status = 'running'`,
			rec.RunId, rec.StepIndex, rec.StepName, rec.Attempt, string(model.STEP_RUNNING), rec.StartedAt)
		if err != nil {
			return storageError(err)
		}
		if tag.RowsAffected() == 0 {
			return persistence.StorageLayerError{Message: "step attempt already closed"}
		}
		if _, err := tx.Exec(ctx, `UPDATE workflow_runs SET updated_at = $2 WHERE id = $1`, rec.RunId, now); err != nil {
			return storageError(err)
		}
		return nil
	})
}

func (s *postgresStorage) FinishStep(ctx context.Context, lease string, rec *model.StepRecord, run *model.WorkflowRun, timer *model.SleepTimer) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockLeased(ctx, tx, run.Id, lease); err != nil {
			return err
		}
		if rec != nil {
			if err := upsertStep(ctx, tx, rec); err != nil {
				return err
			}
		}
		if err := updateRun(ctx, tx, run, lease); err != nil {
			return err
		}
		if timer != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO sleep_timers (id, run_id, step_index, kind, wake_at, consumed, created_at)
				VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
				timer.Id, timer.RunId, timer.StepIndex, string(timer.Kind), timer.WakeAt, timer.CreatedAt)
			if err != nil {
				return storageError(err)
			}
		}
		return nil
	})
}

func upsertStep(ctx context.Context, tx pgx.Tx, rec *model.StepRecord) error {
	succeeded, err := hasSucceeded(ctx, tx, rec.RunId, rec.StepIndex)
	if err != nil {
		return err
	}
	if succeeded {
		return persistence.ErrStepAlreadySucceeded
	}
	stepErr, err := marshalNullable(rec.Error, rec.Error != nil)
	if err != nil {
		return storageError(err)
	}
	var output []byte
	if len(rec.Output) > 0 {
		output = []byte(rec.Output)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO step_records (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, step_index, attempt) DO UPDATE
		SET status = EXCLUDED.status, output = EXCLUDED.output, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at`,
		rec.RunId, rec.StepIndex, rec.StepName, rec.Attempt, string(rec.Status), output, stepErr, rec.StartedAt, rec.FinishedAt)
	if isUniqueViolation(err) {
		return persistence.ErrStepAlreadySucceeded
	}
	if err != nil {
		return storageError(err)
	}
	return nil
}

func updateRun(ctx context.Context, tx pgx.Tx, run *model.WorkflowRun, lease string) error {
	runErr, err := marshalNullable(run.Error, run.Error != nil)
	if err != nil {
		return storageError(err)
	}
	var nextLease *string
	if run.Status == model.RUNNING {
		nextLease = &lease
	}
	_, err = tx.Exec(ctx, `
		UPDATE workflow_runs
		SET current_step = $2, status = $3, lease = $4, error = $5, updated_at = $6, finished_at = $7
		WHERE id = $1`,
		run.Id, run.CurrentStep, string(run.Status), nextLease, runErr, run.UpdatedAt, run.FinishedAt)
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *postgresStorage) SaveRun(ctx context.Context, lease string, run *model.WorkflowRun) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockLeased(ctx, tx, run.Id, lease); err != nil {
			return err
		}
		return updateRun(ctx, tx, run, lease)
	})
}

func (s *postgresStorage) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]model.SleepTimer, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM sleep_timers
			WHERE consumed = FALSE AND wake_at <= $1
			ORDER BY wake_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), fired AS (
			UPDATE sleep_timers t SET consumed = TRUE
			FROM due WHERE t.id = due.id
			RETURNING t.id, t.run_id, t.step_index, t.kind, t.wake_at, t.consumed, t.created_at
		), woken AS (
			UPDATE workflow_runs r SET status = 'pending', updated_at = $1
			FROM (SELECT DISTINCT run_id FROM fired) f
			WHERE r.id = f.run_id AND r.status = 'sleeping'
			RETURNING r.id
		)
		SELECT id, run_id, step_index, kind, wake_at, consumed, created_at FROM fired ORDER BY wake_at`,
		now, nullableLimit(limit))
	if err != nil {
		return nil, storageError(err)
	}
	timers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SleepTimer, error) {
		var t model.SleepTimer
		var kind string
		err := row.Scan(&t.Id, &t.RunId, &t.StepIndex, &kind, &t.WakeAt, &t.Consumed, &t.CreatedAt)
		t.Kind = model.TimerKind(kind)
		return t, err
	})
	if err != nil {
		return nil, storageError(err)
	}
	return timers, nil
}

func (s *postgresStorage) ListStaleRuns(ctx context.Context, staleBefore time.Time, limit int) ([]*model.WorkflowRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE status IN ('pending', 'running') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, staleBefore, nullableLimit(limit))
	if err != nil {
		return nil, storageError(err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, storageError(err)
	}
	return runs, nil
}

func (s *postgresStorage) ArchiveRuns(ctx context.Context, finishedBefore time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET archived = TRUE
		WHERE id IN (
			SELECT id FROM workflow_runs
			WHERE archived = FALSE AND status IN ('completed', 'failed') AND finished_at < $1
			ORDER BY finished_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, finishedBefore, nullableLimit(limit))
	if err != nil {
		return 0, storageError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStorage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storageError(err)
	}
	return nil
}

func (s *postgresStorage) Close() error {
	s.pool.Close()
	return nil
}
