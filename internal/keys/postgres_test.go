package keys

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*PGManager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS encryption_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mgr, err := NewPGManager(context.Background(), db, "")
	require.NoError(t, err)
	return mgr, mock
}

func TestNewPGManager_WrapsAndUnwrapsKeyMaterial(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS encryption_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mgr, err := NewPGManager(context.Background(), db, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	require.NotNil(t, mgr.wrap)

	mock.ExpectQuery("SELECT key_id, partition, key_material").
		WithArgs("tenant-a", "tenant-a::cart-1@%").
		WillReturnRows(sqlmock.NewRows([]string{
			"key_id", "partition", "key_material", "key_version", "is_active", "retired_at", "destroyed_at", "created_at", "updated_at",
		}))
	mock.ExpectExec("INSERT INTO encryption_keys").
		WithArgs("tenant-a::cart-1@1", "tenant-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := mgr.GetActiveKey(context.Background(), "tenant-a", "cart-1")
	require.NoError(t, err)
	require.Len(t, rec.KeyMaterial, KeyBytes)

	sealedRow := sqlmock.NewRows([]string{
		"key_id", "partition", "key_material", "key_version", "is_active", "retired_at", "destroyed_at", "created_at", "updated_at",
	})
	sealed, err := wrapMaterial(mgr.wrap, rec.KeyMaterial)
	require.NoError(t, err)
	sealedRow.AddRow(rec.KeyID, rec.Partition, sealed, rec.KeyVersion, rec.IsActive, nil, nil, rec.CreatedAt, rec.UpdatedAt)
	mock.ExpectQuery("SELECT key_id, partition, key_material").
		WithArgs("tenant-a", rec.KeyID).
		WillReturnRows(sealedRow)

	fetched, err := mgr.GetKeyByID(context.Background(), "tenant-a", rec.KeyID)
	require.NoError(t, err)
	require.Equal(t, rec.KeyMaterial, fetched.KeyMaterial)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveKey_CreatesVersion1WhenAbsent(t *testing.T) {
	mgr, mock := newTestManager(t)

	mock.ExpectQuery("SELECT key_id, partition, key_material").
		WithArgs("tenant-a", "tenant-a::cart-1@%").
		WillReturnRows(sqlmock.NewRows([]string{
			"key_id", "partition", "key_material", "key_version", "is_active", "retired_at", "destroyed_at", "created_at", "updated_at",
		}))
	mock.ExpectExec("INSERT INTO encryption_keys").
		WithArgs("tenant-a::cart-1@1", "tenant-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := mgr.GetActiveKey(context.Background(), "tenant-a", "cart-1")
	require.NoError(t, err)
	require.Equal(t, "tenant-a::cart-1@1", rec.KeyID)
	require.Equal(t, 1, rec.KeyVersion)
	require.Len(t, rec.KeyMaterial, KeyBytes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyID_Grammar(t *testing.T) {
	require.Equal(t, "tenant-a::cart-1@3", BuildKeyID("tenant-a", "cart-1", 3))
}

func TestKeyRefForScope(t *testing.T) {
	ref, err := KeyRefForScope("stream", "cart-1", "cart")
	require.NoError(t, err)
	require.Equal(t, "cart-1", ref)

	ref, err = KeyRefForScope("type", "cart-1", "cart")
	require.NoError(t, err)
	require.Equal(t, "cart", ref)

	ref, err = KeyRefForScope("partition", "", "")
	require.NoError(t, err)
	require.Equal(t, "default", ref)

	_, err = KeyRefForScope("stream", "", "cart")
	require.Error(t, err)
}

func TestRecord_Usable(t *testing.T) {
	var r *Record
	require.False(t, r.Usable())

	r = &Record{}
	require.True(t, r.Usable())
}
