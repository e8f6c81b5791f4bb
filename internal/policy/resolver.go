package policy

import (
	"context"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
	"github.com/wataruoguchi/emmett-go/internal/keys"
)

// Lookup is the read-side of Store the resolver depends on.
type Lookup interface {
	GetByStreamType(ctx context.Context, partition, streamType string) (*Policy, error)
}

// Resolver resolves an encryption policy for a given append.
type Resolver struct {
	store Lookup
}

// NewResolver builds a Resolver over store.
func NewResolver(store Lookup) *Resolver {
	return &Resolver{store: store}
}

// ResolveForWrite resolves the policy for an append. Absence of a policy, or
// any storage error, is fail-closed: PolicyResolutionFailed.
func (r *Resolver) ResolveForWrite(ctx context.Context, c Context) (Resolved, error) {
	p, err := r.store.GetByStreamType(ctx, c.Partition, c.StreamType)
	if err != nil {
		return Resolved{}, apperror.PolicyResolutionFailed("policy lookup failed: " + err.Error())
	}
	if p == nil {
		return Resolved{}, apperror.PolicyResolutionFailed("no policy configured for partition=" + c.Partition + " stream_type=" + c.StreamType)
	}
	return resolveFromPolicy(p, c)
}

func resolveFromPolicy(p *Policy, c Context) (Resolved, error) {
	keyRef, err := keys.KeyRefForScope(string(p.KeyScope), c.StreamID, c.StreamType)
	if err != nil {
		return Resolved{}, apperror.PolicyResolutionFailed(err.Error())
	}
	algo := p.EncryptionAlgorithm
	if algo == "" {
		algo = AlgoAESGCM
	}
	return Resolved{Encrypt: true, Algo: algo, KeyRef: keyRef}, nil
}
