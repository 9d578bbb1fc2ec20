package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/types"
)

var (
	// Bucket names
	bucketSecrets      = []byte("secrets")
	bucketCapabilities = []byte("capabilities")
)

// BoltStore persists vault records and the capability ledger in a single
// BoltDB file under the vault directory. Secrets live in per-tenant nested
// buckets so tenant listings never scan foreign keys.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) vault.db under dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	dbPath := filepath.Join(dir, "vault.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSecrets,
			bucketCapabilities,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Ping answers whether the database still serves read transactions.
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSecrets) == nil || tx.Bucket(bucketCapabilities) == nil {
			return fmt.Errorf("vault buckets missing")
		}
		return nil
	})
}

// Secret operations

// PutSecret upserts one secret record under its tenant bucket.
func (s *BoltStore) PutSecret(rec *types.SecretRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := tx.Bucket(bucketSecrets).CreateBucketIfNotExists([]byte(rec.Tenant))
		if err != nil {
			return fmt.Errorf("create tenant bucket: %w", err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tb.Put([]byte(rec.Name), data)
	})
}

// GetSecret loads one secret record. A missing tenant bucket and a missing
// name are the same NotFound: callers cannot probe for foreign tenants.
func (s *BoltStore) GetSecret(tenant, name string) (*types.SecretRecord, error) {
	var rec types.SecretRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketSecrets).Bucket([]byte(tenant))
		if tb == nil {
			return fmt.Errorf("secret %q: %w", name, errdefs.ErrNotFound)
		}
		data := tb.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("secret %q: %w", name, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteSecret removes one secret record. Idempotent; the bool reports
// whether a record was actually removed.
func (s *BoltStore) DeleteSecret(tenant, name string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketSecrets).Bucket([]byte(tenant))
		if tb == nil {
			return nil
		}
		if tb.Get([]byte(name)) == nil {
			return nil
		}
		removed = true
		return tb.Delete([]byte(name))
	})
	return removed, err
}

// ListSecretNames returns the tenant's secret names. BoltDB iterates keys in
// byte order, which gives the lexicographic ordering the listing promises.
func (s *BoltStore) ListSecretNames(tenant string) ([]string, error) {
	names := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketSecrets).Bucket([]byte(tenant))
		if tb == nil {
			return nil
		}
		return tb.ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Capability operations

// PutCapability upserts one capability keyed by its token hash.
func (s *BoltStore) PutCapability(c *types.Capability) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapabilities)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.TokenHash), data)
	})
}

// GetCapabilityByHash loads one capability by token hash.
func (s *BoltStore) GetCapabilityByHash(hash string) (*types.Capability, error) {
	var c types.Capability
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCapabilities).Get([]byte(hash))
		if data == nil {
			return fmt.Errorf("capability: %w", errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCapabilities returns every stored capability, revoked included. Used
// to rebuild the in-memory ledger at boot.
func (s *BoltStore) ListCapabilities() ([]*types.Capability, error) {
	var caps []*types.Capability
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCapabilities).ForEach(func(k, v []byte) error {
			var c types.Capability
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			caps = append(caps, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return caps, nil
}

// PruneExpiredCapabilities deletes capabilities whose expiry passed before
// the cutoff. Revocation markers for unexpired grants are kept.
func (s *BoltStore) PruneExpiredCapabilities(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapabilities)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.Capability
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.ExpiresAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
