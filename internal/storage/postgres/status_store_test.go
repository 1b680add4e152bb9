package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/audit"
)

var columns = []string{"id", "owner_id", "kind", "status", "error_message", "config", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*StatusStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStatusStoreWithPool(mock, "units")
	require.NoError(t, err)
	return store, mock
}

func TestNewStatusStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStatusStoreWithPool(mock, "units; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewStatusStoreWithPool(nil, "units")
	require.ErrorContains(t, err, "pool is required")

	store, err := NewStatusStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, defaultTable, store.table)
}

func TestNewStatusStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewStatusStore(context.Background(), Config{})
	require.ErrorContains(t, err, "database.dsn is required")
}

func TestGetReturnsUnit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, owner_id, kind, status, error_message, config, created_at, updated_at FROM units").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", "owner-1", "session", "failed", "crawling stopped by user",
				[]byte(`{"urls":["https://example.com"]}`), created, created.Add(time.Minute)))

	unit, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, audit.Unit{
		ID:           "u1",
		OwnerID:      "owner-1",
		Kind:         audit.KindSession,
		Status:       audit.StatusFailed,
		ErrorMessage: "crawling stopped by user",
		Config:       []byte(`{"urls":["https://example.com"]}`),
		CreatedAt:    created,
		UpdatedAt:    created.Add(time.Minute),
	}, unit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingUnitIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM units").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionApplies(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE units").
		WithArgs("failed", "crawling stopped by user", "u1", []string{"crawling"}).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", "owner-1", "project", "failed", "crawling stopped by user", []byte(`{}`), now, now))

	unit, applied, err := store.Transition(context.Background(), audit.Transition{
		UnitID:       "u1",
		From:         []audit.Status{audit.StatusCrawling},
		To:           audit.StatusFailed,
		ErrorMessage: "crawling stopped by user",
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionClearsMessageForNonFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE units").
		WithArgs("crawling", "", "u1", []string{"pending", "completed", "failed"}).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", "owner-1", "project", "crawling", "", []byte(`{}`), now, now))

	_, applied, err := store.Transition(context.Background(), audit.Transition{
		UnitID:       "u1",
		From:         []audit.Status{audit.StatusPending, audit.StatusCompleted, audit.StatusFailed},
		To:           audit.StatusCrawling,
		ErrorMessage: "ignored",
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionConflictReadsCurrentRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE units").
		WithArgs("analyzing", "", "u1", []string{"crawling"}).
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery("SELECT .* FROM units").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", "owner-1", "project", "failed", "crawling stopped by user", []byte(`{}`), now, now))

	unit, applied, err := store.Transition(context.Background(), audit.Transition{
		UnitID: "u1",
		From:   []audit.Status{audit.StatusCrawling},
		To:     audit.StatusAnalyzing,
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, audit.StatusFailed, unit.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRejectsBadInput(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	_, _, err := store.Transition(context.Background(), audit.Transition{UnitID: "u1", To: "bogus", From: []audit.Status{audit.StatusPending}})
	require.ErrorContains(t, err, "invalid target status")

	_, _, err = store.Transition(context.Background(), audit.Transition{UnitID: "u1", To: audit.StatusCrawling})
	require.ErrorContains(t, err, "no expected status")

	_, _, err = store.Transition(context.Background(), audit.Transition{
		UnitID: "u1",
		From:   []audit.Status{audit.StatusPending},
		To:     audit.StatusCompleted,
	})
	require.ErrorIs(t, err, audit.ErrIllegalTransition)
}

func TestTransitionWrapsDatabaseErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE units").
		WithArgs("completed", "", "u1", []string{"analyzing"}).
		WillReturnError(errors.New("connection reset"))

	_, _, err := store.Transition(context.Background(), audit.Transition{
		UnitID: "u1",
		From:   []audit.Status{audit.StatusAnalyzing},
		To:     audit.StatusCompleted,
	})
	require.ErrorContains(t, err, "update unit status: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInsertsDefaults(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO units").
		WithArgs("u1", "owner-1", "project", "pending", "", nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), audit.Unit{ID: "u1", OwnerID: "owner-1"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS units").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
