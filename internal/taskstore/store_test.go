package taskstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/riftlab/chatstress/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB), mock
}

// TestClaimNext_ExclusiveClaim asserts invariant 1: a claim transitions
// created -> locked inside one begin/select-for-update/update/commit
// sequence, and a second claim against an exhausted result set sees no
// rows.
func TestClaimNext_ExclusiveClaim(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "name", "status", "target_host", "api_path", "model", "stream_mode",
		"concurrent_users", "spawn_rate", "duration", "chat_type", "headers",
		"cookies", "cert_file", "key_file", "request_payload", "field_mapping",
		"test_data", "error_message", "created_at", "updated_at",
	}).AddRow(
		"task-1", "n", "created", "http://h", "/chat/completions", "M", "true",
		1, 1.0, 2, 0, nil, nil, nil, nil, "", nil, "", nil, now, now,
	)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.|\n)*FROM tasks WHERE status = (.|\n)*FOR UPDATE SKIP LOCKED").
		WithArgs("created").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("locked", "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := store.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task == nil || task.ID != "task-1" {
		t.Fatalf("expected task-1, got %+v", task)
	}
	if task.Status != "locked" {
		t.Fatalf("expected locked status, got %s", task.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimNext_NoTasksAvailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.|\n)*FROM tasks WHERE status").
		WithArgs("created").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	task, err := store.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext should treat no-rows as (nil, nil): %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task, got %+v", task)
	}
}

// TestInsertResults_WritesOneRowPerEndpointPlusTokenMetrics asserts that a
// Run Snapshot with two endpoint rows produces exactly three inserts (two
// endpoint rows plus one token_metrics row) inside a single transaction.
func TestInsertResults_WritesOneRowPerEndpointPlusTokenMetrics(t *testing.T) {
	store, mock := newMockStore(t)

	anyNum := sqlmock.AnyArg()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO task_results").
		WithArgs("task-1", "chat_completions", anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO task_results").
		WithArgs("task-1", "custom_api", anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("INSERT INTO task_results").
		WithArgs("task-1", "token_metrics", anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum, anyNum).
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	err := store.InsertResults(context.Background(), "task-1", []domain.LocustStat{
		{MetricType: "chat_completions", NumRequests: 10, NumFailures: 0, AvgLatency: 100.0, MinLatency: 50.0, MaxLatency: 200.0, MedianLatency: 90.0, P90Latency: 180.0, RPS: 1.0, AvgContentLength: 20.0},
		{MetricType: "custom_api", NumRequests: 5, NumFailures: 1, AvgLatency: 80.0, MinLatency: 40.0, MaxLatency: 150.0, MedianLatency: 70.0, P90Latency: 120.0, RPS: 0.5, AvgContentLength: 10.0},
	}, domain.CustomMetrics{
		ReqsNum:                   15,
		ReqThroughput:             1.5,
		CompletionTPS:             1000.0,
		TotalTPS:                  2000.0,
		AvgTotalTokensPerReq:      2000.0,
		AvgCompletionTokensPerReq: 1000.0,
	})
	if err != nil {
		t.Fatalf("InsertResults: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
