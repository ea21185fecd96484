package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// migration applies one forward schema step inside a transaction.
type migration struct {
	to    uint64
	apply func(tx *bolt.Tx) error
}

// migrations run in order; each stamps the schema version it produces.
var migrations = []migration{}

// SchemaVersionAt reads the on-disk schema version without modifying
// the database. A database without a meta bucket reports zero.
func SchemaVersionAt(path string) (uint64, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var version uint64
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keySchemaVersion); v != nil {
			version = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return version, err
}

// Migrate brings the database at path up to SchemaVersion. It is
// forward-only: a database newer than this binary is refused.
func Migrate(path string) (from, to uint64, err error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		from = 0
		if v := meta.Get(keySchemaVersion); v != nil {
			from = binary.BigEndian.Uint64(v)
		}
		if from > SchemaVersion {
			return fmt.Errorf("%w: on disk %d, binary %d", ErrSchemaVersion, from, SchemaVersion)
		}
		for _, m := range migrations {
			if m.to <= from {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration to %d: %w", m.to, err)
			}
		}
		to = SchemaVersion
		return meta.Put(keySchemaVersion, be64(SchemaVersion))
	})
	if err != nil {
		return from, 0, err
	}
	return from, to, nil
}
