package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/bridge/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, DialectPostgres), mock
}

func TestRebind(t *testing.T) {
	pg := NewWithDB(nil, DialectPostgres)
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND b IN ($3, $4)",
		pg.rebind("UPDATE t SET a = ? WHERE id = ? AND b IN (?, ?)"))

	lite := NewWithDB(nil, DialectSQLite)
	assert.Equal(t, "SELECT ? FROM t", lite.rebind("SELECT ? FROM t"))
}

func TestPostgres_ClaimCommand(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE commands SET status = $1, claimed_by_machine_id = $2, claimed_at = $3, updated_at = $4`)).
		WithArgs("claimed", "machine-a", at, at, "cmd-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimCommand(ctx, "cmd-1", "machine-a", at)
	assert.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE commands SET status = $1`)).
		WithArgs("claimed", "machine-b", at, at, "cmd-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.ClaimCommand(ctx, "cmd-1", "machine-b", at)
	assert.NoError(t, err)
	assert.False(t, ok, "zero rows affected is a lost race")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimCommitment(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $4 AND owner IS NULL AND state = $5`)).
		WithArgs("agent:bridge", at, at, "cmt_1", "open").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimCommitment(context.Background(), "cmt_1", "agent:bridge", at)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitmentStates(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "state"}).
		AddRow("A", "closed").
		AddRow("B", "open")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, state FROM commitments WHERE id IN ($1, $2, $3)`)).
		WithArgs("A", "B", "C").
		WillReturnRows(rows)

	states, err := s.CommitmentStates(context.Background(), []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, map[string]models.CommitmentState{
		"A": models.CommitmentClosed,
		"B": models.CommitmentOpen,
	}, states)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitmentStatesError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, state FROM commitments`)).
		WillReturnError(errors.New("connection reset"))

	_, err := s.CommitmentStates(context.Background(), []string{"A"})
	assert.Error(t, err)
}

func TestPostgres_StaleClaims(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`AND claimed_at < $3 AND command_type = $4 ORDER BY claimed_at ASC`)).
		WithArgs("claimed", "machine-a", cutoff, "bug_execution").
		WillReturnRows(sqlmock.NewRows(nil))

	got, err := s.StaleClaims(context.Background(), "machine-a", cutoff, models.CommandBugExecution)
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CloseCommitmentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE commitments SET state = $1, outcome = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CloseCommitment(context.Background(), "cmt_x", OutcomeFailed, "late")
	assert.ErrorIs(t, err, ErrNotFound)
}
