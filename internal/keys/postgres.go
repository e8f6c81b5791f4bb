package keys

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
)

// PGManager is a Postgres-backed Manager.
type PGManager struct {
	db   *sql.DB
	wrap cipher.AEAD // nil when no master key is configured
}

var _ Manager = (*PGManager)(nil)

// NewPGManager ensures the key registry schema exists and returns a Manager.
// masterKey wraps key_material at rest with AES-GCM before it ever reaches
// the database; pass "" to store key material unwrapped, which is only
// appropriate for local development.
func NewPGManager(ctx context.Context, db *sql.DB, masterKey string) (*PGManager, error) {
	m := &PGManager{db: db}
	if masterKey != "" {
		aead, err := newWrapAEAD(masterKey)
		if err != nil {
			return nil, apperror.KeyManagementFailed("build master-key wrapper", err)
		}
		m.wrap = aead
	} else {
		log.Printf("[keys] no master key configured; key_material is stored unwrapped")
	}
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PGManager) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS encryption_keys (
  key_id text NOT NULL,
  partition text NOT NULL,
  key_material bytea NOT NULL,
  key_version integer NOT NULL,
  is_active boolean NOT NULL DEFAULT true,
  retired_at timestamptz,
  destroyed_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (key_id, partition)
);
CREATE INDEX IF NOT EXISTS idx_encryption_keys_active ON encryption_keys (partition, key_id, is_active) WHERE destroyed_at IS NULL;
`
	_, err := m.db.ExecContext(ctx, q)
	return err
}

// GetActiveKey implements Manager.
func (m *PGManager) GetActiveKey(ctx context.Context, partition, keyRef string) (*Record, error) {
	rec, err := m.selectActive(ctx, m.db, partition, keyRef)
	if err != nil {
		return nil, apperror.KeyManagementFailed("select active key", err)
	}
	if rec != nil {
		return rec, nil
	}

	// Lazily create version 1. Creation is racy across processes; the
	// primary key on (key_id, partition) means one inserter wins.
	material, err := randomKeyMaterial()
	if err != nil {
		return nil, apperror.KeyManagementFailed("generate key material", err)
	}
	sealed, err := wrapMaterial(m.wrap, material)
	if err != nil {
		return nil, apperror.KeyManagementFailed("wrap key material", err)
	}
	keyID := BuildKeyID(partition, keyRef, 1)
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO encryption_keys (key_id, partition, key_material, key_version, is_active) VALUES ($1,$2,$3,1,true)`,
		keyID, partition, sealed)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the creation race; re-read the winner's row.
			rec, rerr := m.selectActive(ctx, m.db, partition, keyRef)
			if rerr != nil {
				return nil, apperror.KeyManagementFailed("re-read key after race", rerr)
			}
			if rec == nil {
				return nil, apperror.KeyManagementFailed("key vanished after creation race", nil)
			}
			return rec, nil
		}
		return nil, apperror.KeyManagementFailed("insert new key", err)
	}

	now := time.Now().UTC()
	return &Record{
		KeyID: keyID, Partition: partition, KeyMaterial: material, KeyVersion: 1,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (m *PGManager) selectActive(ctx context.Context, c conn, partition, keyRef string) (*Record, error) {
	row := c.QueryRowContext(ctx,
		`SELECT key_id, partition, key_material, key_version, is_active, retired_at, destroyed_at, created_at, updated_at
		 FROM encryption_keys
		 WHERE partition = $1 AND key_id LIKE $2 AND is_active = true AND destroyed_at IS NULL
		 ORDER BY key_version DESC LIMIT 1`,
		partition, partition+"::"+keyRef+"@%")
	return m.scanRecord(row)
}

// GetKeyByID implements Manager.
func (m *PGManager) GetKeyByID(ctx context.Context, partition, keyID string) (*Record, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT key_id, partition, key_material, key_version, is_active, retired_at, destroyed_at, created_at, updated_at
		 FROM encryption_keys WHERE partition = $1 AND key_id = $2`,
		partition, keyID)
	rec, err := m.scanRecord(row)
	if err != nil {
		return nil, apperror.KeyManagementFailed("get key by id", err)
	}
	return rec, nil
}

// RotateKey implements Manager.
func (m *PGManager) RotateKey(ctx context.Context, partition, keyRef string) (*Record, error) {
	material, err := randomKeyMaterial()
	if err != nil {
		return nil, apperror.KeyManagementFailed("generate key material", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.KeyManagementFailed("begin rotate transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := m.selectActive(ctx, tx, partition, keyRef)
	if err != nil {
		return nil, apperror.KeyManagementFailed("select current active key", err)
	}
	nextVersion := 1
	if current != nil {
		nextVersion = current.KeyVersion + 1
	}

	if current != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE encryption_keys SET is_active = false, retired_at = now(), updated_at = now()
			 WHERE partition = $1 AND key_id LIKE $2 AND is_active = true`,
			partition, partition+"::"+keyRef+"@%"); err != nil {
			return nil, apperror.KeyManagementFailed("retire prior key versions", err)
		}
	}

	sealed, err := wrapMaterial(m.wrap, material)
	if err != nil {
		return nil, apperror.KeyManagementFailed("wrap key material", err)
	}
	keyID := BuildKeyID(partition, keyRef, nextVersion)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO encryption_keys (key_id, partition, key_material, key_version, is_active) VALUES ($1,$2,$3,$4,true)`,
		keyID, partition, sealed, nextVersion); err != nil {
		return nil, apperror.KeyManagementFailed("insert rotated key", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.KeyManagementFailed("commit rotate transaction", err)
	}

	now := time.Now().UTC()
	return &Record{
		KeyID: keyID, Partition: partition, KeyMaterial: material, KeyVersion: nextVersion,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// DestroyPartitionKeys implements Manager.
func (m *PGManager) DestroyPartitionKeys(ctx context.Context, partition string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE encryption_keys SET destroyed_at = now(), is_active = false, updated_at = now()
		 WHERE partition = $1 AND destroyed_at IS NULL`,
		partition)
	if err != nil {
		return apperror.KeyManagementFailed("destroy partition keys", err)
	}
	return nil
}

func (m *PGManager) scanRecord(row *sql.Row) (*Record, error) {
	var r Record
	var retiredAt, destroyedAt sql.NullTime
	if err := row.Scan(&r.KeyID, &r.Partition, &r.KeyMaterial, &r.KeyVersion, &r.IsActive,
		&retiredAt, &destroyedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if retiredAt.Valid {
		r.RetiredAt = &retiredAt.Time
	}
	if destroyedAt.Valid {
		r.DestroyedAt = &destroyedAt.Time
	}
	material, err := unwrapMaterial(m.wrap, r.KeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("unwrap key material for %s: %w", r.KeyID, err)
	}
	r.KeyMaterial = material
	return &r, nil
}

func randomKeyMaterial() ([]byte, error) {
	buf := make([]byte, KeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// conn is the subset of *sql.DB / *sql.Tx used for the active-key select so
// it can run inside RotateKey's transaction or standalone.
type conn interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
