package policy_test

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/wataruoguchi/emmett-go/internal/policy"
)

func newTestStore(t *testing.T) (*policy.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS encryption_policies").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := policy.NewStore(context.Background(), db)
	require.NoError(t, err)
	return store, mock
}

func TestStore_GetByStreamType_ReturnsNilWhenAbsent(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT policy_id, partition, stream_type_class").
		WithArgs("tenant-a", "cart").
		WillReturnRows(sqlmock.NewRows([]string{
			"policy_id", "partition", "stream_type_class", "key_scope", "encryption_algorithm", "key_rotation_interval_days",
		}))

	p, err := store.GetByStreamType(context.Background(), "tenant-a", "cart")
	require.NoError(t, err)
	require.Nil(t, p)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetByStreamType_ReturnsPolicy(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT policy_id, partition, stream_type_class").
		WithArgs("tenant-a", "cart").
		WillReturnRows(sqlmock.NewRows([]string{
			"policy_id", "partition", "stream_type_class", "key_scope", "encryption_algorithm", "key_rotation_interval_days",
		}).AddRow("policy-1", "tenant-a", "cart", "stream", "AES-GCM", 30))

	p, err := store.GetByStreamType(context.Background(), "tenant-a", "cart")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "policy-1", p.PolicyID)
	require.Equal(t, policy.ScopeStream, p.KeyScope)
	require.Equal(t, policy.AlgoAESGCM, p.EncryptionAlgorithm)
	require.Equal(t, 30, p.KeyRotationIntervalDays)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Upsert_GeneratesPolicyIDAndDefaultAlgo(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO encryption_policies").
		WithArgs(sqlmock.AnyArg(), "tenant-a", "cart", "stream", "AES-GCM", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Upsert(context.Background(), policy.Policy{
		Partition: "tenant-a", StreamTypeClass: "cart", KeyScope: policy.ScopeStream,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Upsert_PreservesSuppliedPolicyID(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO encryption_policies").
		WithArgs("policy-fixed", "tenant-a", "cart", "type", "AES-CTR", 7).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Upsert(context.Background(), policy.Policy{
		PolicyID: "policy-fixed", Partition: "tenant-a", StreamTypeClass: "cart",
		KeyScope: policy.ScopeType, EncryptionAlgorithm: policy.AlgoAESCTR, KeyRotationIntervalDays: 7,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
