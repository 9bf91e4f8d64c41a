package idempotency

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresCheckAndSetWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clock := newFakeClock()
	store := NewPostgresStore(db, DefaultTTLs, clock)
	key := apiKey(t, "req-1")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_records")).
		WithArgs(key.Generate(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WithArgs(key.Generate(), StatusPending, "sha256:abc", clock.Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := store.CheckAndSet(context.Background(), key, "sha256:abc")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckAndSetLoserReadsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clock := newFakeClock()
	store := NewPostgresStore(db, DefaultTTLs, clock)
	key := apiKey(t, "req-2")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{"key", "status", "payload_hash", "created_at", "completed_at", "result", "failure_reason"}).
		AddRow(key.Generate(), "completed", "sha256:abc", clock.Now(), clock.Now(), []byte(`{"ok":true}`), "")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, status, payload_hash, created_at, completed_at, result, failure_reason")).
		WithArgs(key.Generate()).
		WillReturnRows(rows)

	res, err := store.CheckAndSet(context.Background(), key, "sha256:other")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	require.NotNil(t, res.Existing)
	assert.Equal(t, StatusCompleted, res.Existing.Status)
	assert.True(t, res.Conflict)
	assert.JSONEq(t, `{"ok":true}`, string(res.Existing.Result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinishRequiresPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, DefaultTTLs, newFakeClock())
	key := apiKey(t, "req-3")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records")).
		WithArgs(StatusCompleted, sqlmock.AnyArg(), []byte(`{"n":1}`), "", key.Generate()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Complete(context.Background(), key, json.RawMessage(`{"n":1}`)))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Fail(context.Background(), key, "late"), ErrNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}
