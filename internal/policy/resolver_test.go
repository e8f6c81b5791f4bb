package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
	"github.com/wataruoguchi/emmett-go/internal/policy"
)

type fakeLookup struct {
	p   *policy.Policy
	err error
}

func (f fakeLookup) GetByStreamType(ctx context.Context, partition, streamType string) (*policy.Policy, error) {
	return f.p, f.err
}

func TestResolveForWrite_ResolvesKeyRefAndDefaultAlgo(t *testing.T) {
	r := policy.NewResolver(fakeLookup{p: &policy.Policy{
		Partition: "tenant-a", StreamTypeClass: "cart", KeyScope: policy.ScopeStream,
	}})

	resolved, err := r.ResolveForWrite(context.Background(), policy.Context{
		Partition: "tenant-a", StreamID: "cart-1", StreamType: "cart",
	})
	require.NoError(t, err)
	require.True(t, resolved.Encrypt)
	require.Equal(t, policy.AlgoAESGCM, resolved.Algo)
	require.Equal(t, "cart-1", resolved.KeyRef)
}

func TestResolveForWrite_PreservesConfiguredAlgo(t *testing.T) {
	r := policy.NewResolver(fakeLookup{p: &policy.Policy{
		Partition: "tenant-a", StreamTypeClass: "cart", KeyScope: policy.ScopeType,
		EncryptionAlgorithm: policy.AlgoAESCTR,
	}})

	resolved, err := r.ResolveForWrite(context.Background(), policy.Context{
		Partition: "tenant-a", StreamID: "cart-1", StreamType: "cart",
	})
	require.NoError(t, err)
	require.Equal(t, policy.AlgoAESCTR, resolved.Algo)
	require.Equal(t, "cart", resolved.KeyRef)
}

func TestResolveForWrite_FailsClosedWhenPolicyMissing(t *testing.T) {
	r := policy.NewResolver(fakeLookup{p: nil})

	_, err := r.ResolveForWrite(context.Background(), policy.Context{
		Partition: "tenant-a", StreamID: "cart-1", StreamType: "cart",
	})
	require.Error(t, err)
	require.True(t, apperror.Is(err, apperror.KindPolicyResolutionFailed))
}

func TestResolveForWrite_FailsClosedOnStorageError(t *testing.T) {
	r := policy.NewResolver(fakeLookup{err: errors.New("connection reset")})

	_, err := r.ResolveForWrite(context.Background(), policy.Context{
		Partition: "tenant-a", StreamID: "cart-1", StreamType: "cart",
	})
	require.Error(t, err)
	require.True(t, apperror.Is(err, apperror.KindPolicyResolutionFailed))
}

func TestResolveForWrite_FailsClosedOnInvalidKeyScope(t *testing.T) {
	r := policy.NewResolver(fakeLookup{p: &policy.Policy{
		Partition: "tenant-a", StreamTypeClass: "cart", KeyScope: policy.ScopeStream,
	}})

	_, err := r.ResolveForWrite(context.Background(), policy.Context{
		Partition: "tenant-a", StreamID: "", StreamType: "cart",
	})
	require.Error(t, err)
	require.True(t, apperror.Is(err, apperror.KindPolicyResolutionFailed))
}
