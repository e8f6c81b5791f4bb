package policy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Store is a Postgres-backed policy registry.
type Store struct {
	db *sql.DB
}

// NewStore ensures the policy schema exists and returns a Store.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS encryption_policies (
  policy_id text PRIMARY KEY,
  partition text NOT NULL,
  stream_type_class text NOT NULL,
  key_scope text NOT NULL,
  encryption_algorithm text NOT NULL DEFAULT 'AES-GCM',
  key_rotation_interval_days integer NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (partition, stream_type_class)
);
`
	_, err := s.db.ExecContext(ctx, q)
	return err
}

// Upsert creates or replaces the policy for (partition, streamTypeClass).
func (s *Store) Upsert(ctx context.Context, p Policy) error {
	if p.PolicyID == "" {
		p.PolicyID = uuid.NewString()
	}
	if p.EncryptionAlgorithm == "" {
		p.EncryptionAlgorithm = AlgoAESGCM
	}
	const q = `
INSERT INTO encryption_policies (policy_id, partition, stream_type_class, key_scope, encryption_algorithm, key_rotation_interval_days, updated_at)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (partition, stream_type_class) DO UPDATE
  SET key_scope = EXCLUDED.key_scope,
      encryption_algorithm = EXCLUDED.encryption_algorithm,
      key_rotation_interval_days = EXCLUDED.key_rotation_interval_days,
      updated_at = now()
`
	_, err := s.db.ExecContext(ctx, q, p.PolicyID, p.Partition, p.StreamTypeClass, string(p.KeyScope),
		string(p.EncryptionAlgorithm), p.KeyRotationIntervalDays)
	return err
}

// GetByStreamType returns the policy for (partition, streamType), or nil if absent.
func (s *Store) GetByStreamType(ctx context.Context, partition, streamType string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT policy_id, partition, stream_type_class, key_scope, encryption_algorithm, key_rotation_interval_days
		 FROM encryption_policies WHERE partition = $1 AND stream_type_class = $2`,
		partition, streamType)

	var p Policy
	var scope, algo string
	if err := row.Scan(&p.PolicyID, &p.Partition, &p.StreamTypeClass, &scope, &algo, &p.KeyRotationIntervalDays); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	p.KeyScope = KeyScope(scope)
	p.EncryptionAlgorithm = Algorithm(algo)
	return &p, nil
}
