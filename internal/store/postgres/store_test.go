package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/scrape"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "kv_entries")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "kv; DROP TABLE users")
	require.Error(t, err)
}

func TestSaveUpsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kv_entries").
		WithArgs("task/t1", []byte(`{"id":"t1"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Save(context.Background(), "task/t1", []byte(`{"id":"t1"}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadReturnsValue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("task/t1").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("payload")))

	value, err := store.Load(context.Background(), "task/t1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMapsMissingRowToNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("task/absent").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Load(context.Background(), "task/absent")
	require.ErrorIs(t, err, scrape.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRemovesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM kv_entries").
		WithArgs("task/t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err := store.Delete(context.Background(), "task/t1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReturnsPrefixedRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT key, value FROM kv_entries").
		WithArgs("task/").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow("task/t1", []byte("a")).
			AddRow("task/t2", []byte("b")))

	entries, err := store.List(context.Background(), "task/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("a"), entries["task/t1"])
	require.Equal(t, []byte("b"), entries["task/t2"])
	require.NoError(t, mock.ExpectationsWereMet())
}
