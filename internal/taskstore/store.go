// Package taskstore implements the SQL-backed Task Store: the read/write
// contract in spec §6 against the tasks/task_results schema, including the
// row-level-locking claim query behind invariant 1 (exclusive claim).
//
// Grounded on the teacher's internal/store/postgres.go (sqlx.DB wrapper,
// one struct per table, context-scoped transactions) generalized from the
// teacher's domain rows to Task/TaskResult.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
)

// Store is the SQL-backed Task Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn (a postgres DSN) via lib/pq through sqlx.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "connect task store", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sqlx.DB (used by tests against sqlmock).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type taskRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Status          string         `db:"status"`
	TargetHost      string         `db:"target_host"`
	APIPath         string         `db:"api_path"`
	Model           string         `db:"model"`
	StreamMode      string         `db:"stream_mode"`
	ConcurrentUsers int            `db:"concurrent_users"`
	SpawnRate       float64        `db:"spawn_rate"`
	Duration        int            `db:"duration"`
	ChatType        int            `db:"chat_type"`
	Headers         sql.NullString `db:"headers"`
	Cookies         sql.NullString `db:"cookies"`
	CertFile        sql.NullString `db:"cert_file"`
	KeyFile         sql.NullString `db:"key_file"`
	RequestPayload  sql.NullString `db:"request_payload"`
	FieldMapping    sql.NullString `db:"field_mapping"`
	TestData        sql.NullString `db:"test_data"`
	ErrorMessage    sql.NullString `db:"error_message"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *taskRow) toDomain() (*domain.Task, error) {
	t := &domain.Task{
		ID:              r.ID,
		Name:            r.Name,
		Status:          domain.TaskStatus(r.Status),
		TargetHost:      r.TargetHost,
		APIPath:         r.APIPath,
		Model:           r.Model,
		StreamMode:      r.StreamMode == "true",
		ConcurrentUsers: r.ConcurrentUsers,
		SpawnRate:       r.SpawnRate,
		DurationSeconds: r.Duration,
		ChatType:        domain.ChatType(r.ChatType),
		CertFile:        r.CertFile.String,
		KeyFile:         r.KeyFile.String,
		RequestPayload:  r.RequestPayload.String,
		TestData:        r.TestData.String,
		ErrorMessage:    r.ErrorMessage.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Headers.Valid && r.Headers.String != "" {
		if err := json.Unmarshal([]byte(r.Headers.String), &t.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if r.Cookies.Valid && r.Cookies.String != "" {
		if err := json.Unmarshal([]byte(r.Cookies.String), &t.Cookies); err != nil {
			return nil, fmt.Errorf("unmarshal cookies: %w", err)
		}
	}
	if r.FieldMapping.Valid && r.FieldMapping.String != "" {
		fm := &domain.FieldMap{}
		if err := json.Unmarshal([]byte(r.FieldMapping.String), fm); err != nil {
			return nil, fmt.Errorf("unmarshal field_mapping: %w", err)
		}
		t.FieldMapping = fm
	}
	return t, nil
}

// ClaimNext implements invariant 1: in a single transaction, SELECT ... FOR
// UPDATE LIMIT 1 a task with status "created", move it to "locked", and
// commit. Returns (nil, nil) when no task is available.
func (s *Store) ClaimNext(ctx context.Context) (*domain.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "begin claim tx", err)
	}
	defer tx.Rollback()

	var row taskRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, name, status, target_host, api_path, model, stream_mode,
		       concurrent_users, spawn_rate, duration, chat_type, headers,
		       cookies, cert_file, key_file, request_payload, field_mapping,
		       test_data, error_message, created_at, updated_at
		FROM tasks WHERE status = $1 ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`,
		string(domain.TaskCreated))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "select next task", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`,
		string(domain.TaskLocked), row.ID); err != nil {
		return nil, errs.Wrap(errs.KindStore, "lock task", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindStore, "commit claim tx", err)
	}

	row.Status = string(domain.TaskLocked)
	return row.toDomain()
}

// SetStatus transitions a task to status, optionally recording errMsg.
// Per invariant 2, callers must never call this once a task is already
// terminal; the store itself does not re-check (that guarantee lives in
// the dispatcher, which holds the only write path).
func (s *Store) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		string(status), errs.TruncateTail(errMsg, 65000), taskID)
	if err != nil {
		return errs.Wrap(errs.KindStore, "set task status", err)
	}
	return nil
}

// Get reads one task by ID.
func (s *Store) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, status, target_host, api_path, model, stream_mode,
		       concurrent_users, spawn_rate, duration, chat_type, headers,
		       cookies, cert_file, key_file, request_payload, field_mapping,
		       test_data, error_message, created_at, updated_at
		FROM tasks WHERE id = $1`, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "get task", err)
	}
	return row.toDomain()
}

// ListIDsByStatus returns every task ID currently at status.
func (s *Store) ListIDsByStatus(ctx context.Context, status domain.TaskStatus) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM tasks WHERE status = $1`, string(status))
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "list tasks by status", err)
	}
	return ids, nil
}

// InsertResults inserts every row in rows plus one token_metrics row
// derived from custom (custom's TPS fields are already derived against
// the run's execution time by resultwriter.BuildSnapshot), all within one
// transaction; on any failure the transaction rolls back and the caller
// is expected to mark the task failed.
func (s *Store) InsertResults(ctx context.Context, taskID string, rows []domain.LocustStat, custom domain.CustomMetrics) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindStore, "begin results tx", err)
	}
	defer tx.Rollback()

	const insertSQL = `
		INSERT INTO task_results
			(task_id, metric_type, num_requests, num_failures, avg_latency,
			 min_latency, max_latency, median_latency, p90_latency, rps,
			 avg_content_length, completion_tps, total_tps,
			 avg_total_tokens_per_req, avg_completion_tokens_per_req,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now(), now())`

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, insertSQL,
			taskID, row.MetricType, row.NumRequests, row.NumFailures,
			row.AvgLatency, row.MinLatency, row.MaxLatency, row.MedianLatency,
			row.P90Latency, row.RPS, row.AvgContentLength, 0.0, 0.0, 0.0, 0.0,
		); err != nil {
			return errs.Wrap(errs.KindStore, "insert endpoint result row", err)
		}
	}

	if _, err := tx.ExecContext(ctx, insertSQL,
		taskID, "token_metrics", custom.ReqsNum, 0, 0.0, 0.0, 0.0, 0.0, 0.0,
		custom.ReqThroughput, 0.0, custom.CompletionTPS, custom.TotalTPS,
		custom.AvgTotalTokensPerReq, custom.AvgCompletionTokensPerReq,
	); err != nil {
		return errs.Wrap(errs.KindStore, "insert token_metrics row", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStore, "commit results tx", err)
	}
	return nil
}
