package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

// migrate brings the on-disk schema up to target. Re-opening at the version
// already on disk runs read-only and mutates nothing.
func (s *Store) migrate(target int) error {
	current, err := s.diskVersion()
	if err != nil {
		return err
	}
	if current > target {
		return fmt.Errorf("%w: on-disk schema v%d is newer than v%d", ErrVersion, current, target)
	}
	if current == target {
		s.version = target
		return nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		for _, schema := range schemas {
			if schema.Since > target {
				continue
			}
			if err := ensureCollection(tx, schema); err != nil {
				return fmt.Errorf("migrating %s: %w", schema.Collection, err)
			}
			if schema.Collection == Outbox {
				if _, err := tx.CreateBucketIfNotExists(blobsBucket); err != nil {
					return err
				}
			}
		}
		return meta.Put(schemaVersionKey, []byte(strconv.Itoa(target)))
	})
	if err != nil {
		return unavailable("migrating schema", err)
	}
	s.version = target
	return nil
}

func (s *Store) diskVersion() (int, error) {
	version := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		raw := meta.Get(schemaVersionKey)
		if raw == nil {
			return nil
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("corrupt schema version %q", raw)
		}
		version = v
		return nil
	})
	if err != nil {
		return 0, unavailable("reading schema version", err)
	}
	return version, nil
}

// ensureCollection creates the collection bucket and any missing index
// buckets. A newly created index over existing records is backfilled.
func ensureCollection(tx *bolt.Tx, schema Schema) error {
	b, err := tx.CreateBucketIfNotExists([]byte(schema.Collection))
	if err != nil {
		return err
	}
	for _, idx := range schema.Indexes {
		name := indexBucketName(schema.Collection, idx.Name)
		if tx.Bucket(name) != nil {
			continue
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
		if err := backfillIndex(tx, b, schema, idx); err != nil {
			return err
		}
	}
	return nil
}

func backfillIndex(tx *bolt.Tx, b *bolt.Bucket, schema Schema, idx Index) error {
	single := Schema{Collection: schema.Collection, Indexes: []Index{idx}}
	type row struct {
		pk  []byte
		doc document
	}
	var rows []row
	err := b.ForEach(func(k, v []byte) error {
		var doc document
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil
		}
		rows = append(rows, row{pk: append([]byte(nil), k...), doc: doc})
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := addIndexRows(tx, single, r.pk, r.doc); err != nil {
			return err
		}
	}
	return nil
}
