package eventlog

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
)

func newTestStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS streams").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPGStore(context.Background(), db)
	require.NoError(t, err)
	return store, mock
}

func TestAppendToStream_EmptyBatch(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.AppendToStream(context.Background(), "cart-1", nil, AppendOptions{Partition: "tenant-a"})
	require.True(t, apperror.Is(err, apperror.KindEmptyBatch))
}

func TestAppendToStream_NewStream(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	// no rows -> stream does not exist yet
	rows := sqlmock.NewRows([]string{"stream_position"})
	mock.ExpectQuery("SELECT stream_position FROM streams").
		WithArgs("cart-1", "tenant-a").
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO streams").
		WithArgs("cart-1", "tenant-a", "cart", int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "cart-1", "tenant-a", int64(1), "CartCreated", MessageKind, 1, []byte(`{"currency":"USD"}`), []byte("{}")).
		WillReturnRows(sqlmock.NewRows([]string{"global_position"}).AddRow(int64(1)))
	mock.ExpectCommit()

	res, err := store.AppendToStream(context.Background(), "cart-1", []EventInput{
		{MessageType: "CartCreated", MessageData: []byte(`{"currency":"USD"}`)},
	}, AppendOptions{Partition: "tenant-a", StreamType: "cart", ExpectedVersion: StreamDoesNotExist})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.NextVersion)
	require.True(t, res.CreatedNewStream)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendToStream_VersionMismatch(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"stream_position"}).AddRow(int64(5))
	mock.ExpectQuery("SELECT stream_position FROM streams").
		WithArgs("cart-1", "tenant-a").
		WillReturnRows(rows)
	mock.ExpectRollback()

	_, err := store.AppendToStream(context.Background(), "cart-1", []EventInput{
		{MessageType: "ItemAdded"},
	}, AppendOptions{Partition: "tenant-a", StreamType: "cart", ExpectedVersion: Numeric(4)})
	require.True(t, apperror.Is(err, apperror.KindVersionMismatch))
	require.NoError(t, mock.ExpectationsWereMet())
}
