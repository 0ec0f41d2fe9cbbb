package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket  = []byte("metadata")
	blobsBucket = []byte("outbox_blobs")

	schemaVersionKey = []byte("schema_version")
)

// MemoryPath opens a throwaway store that is removed on Close.
const MemoryPath = ":memory:"

type Options struct {
	// Version is the schema version to open at. Zero means LatestVersion.
	Version int
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// Store is the durable local store. It is safe for concurrent use; bbolt
// serializes writers and every operation is one transaction on one
// collection.
type Store struct {
	db        *bolt.DB
	path      string
	version   int
	ephemeral bool
}

// NewStore opens the store at dbPath at the latest schema version.
func NewStore(dbPath string) (*Store, error) {
	return Open(dbPath, Options{})
}

// Open opens (creating if needed) the store at dbPath and migrates it to
// opts.Version. Failures to open the file are reported as ErrUnavailable.
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.Version == 0 {
		opts.Version = LatestVersion
	}
	if opts.Version < 1 || opts.Version > LatestVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrVersion, opts.Version)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 1 * time.Second
	}

	ephemeral := false
	if dbPath == MemoryPath {
		f, err := os.CreateTemp("", "storyline-*.db")
		if err != nil {
			return nil, unavailable("creating memory store", err)
		}
		dbPath = f.Name()
		_ = f.Close()
		ephemeral = true
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		if ephemeral {
			_ = os.Remove(dbPath)
		}
		return nil, unavailable("opening database", err)
	}

	s := &Store{db: db, path: dbPath, ephemeral: ephemeral}
	if err := s.migrate(opts.Version); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.ephemeral {
		_ = os.Remove(s.path)
	}
	return err
}

// Version reports the schema version the store was opened at.
func (s *Store) Version() int {
	return s.version
}

func (s *Store) schemaFor(c Collection) (Schema, error) {
	schema, ok := lookupSchema(c)
	if !ok {
		return Schema{}, &StorageError{Collection: c, Reason: "unknown collection"}
	}
	if schema.Since > s.version {
		return Schema{}, &StorageError{
			Collection: c,
			Reason:     fmt.Sprintf("collection requires schema v%d, store is at v%d", schema.Since, s.version),
		}
	}
	return schema, nil
}

// Put upserts record into collection c by its primary key. The record must
// encode to a JSON object carrying every key path field.
func (s *Store) Put(c Collection, record any) error {
	schema, err := s.schemaFor(c)
	if err != nil {
		return err
	}
	raw, doc, err := toDocument(record)
	if err != nil {
		return err
	}
	key, err := schema.keyFromDocument(doc)
	if err != nil {
		return err
	}
	pk, err := schema.encodeKey(key)
	if err != nil {
		return err
	}
	if err := schema.indexedValues(doc); err != nil {
		return err
	}

	return unavailable("put", s.db.Update(func(tx *bolt.Tx) error {
		if err := putTx(tx, schema, pk, raw, doc); err != nil {
			return err
		}
		if !schema.AutoIncrement {
			return nil
		}
		// Keep the sequence ahead of explicit ids so EnqueueOutbox never
		// hands out one that is taken.
		b := tx.Bucket([]byte(schema.Collection))
		if id := btoi(pk); id > b.Sequence() {
			return b.SetSequence(id)
		}
		return nil
	}))
}

func putTx(tx *bolt.Tx, schema Schema, pk, raw []byte, doc document) error {
	b := tx.Bucket([]byte(schema.Collection))
	if b == nil {
		return fmt.Errorf("bucket %s missing", schema.Collection)
	}
	if old := b.Get(pk); old != nil {
		if err := removeIndexRows(tx, schema, pk, old); err != nil {
			return err
		}
	}
	if err := b.Put(pk, raw); err != nil {
		return err
	}
	return addIndexRows(tx, schema, pk, doc)
}

func addIndexRows(tx *bolt.Tx, schema Schema, pk []byte, doc document) error {
	for _, idx := range schema.Indexes {
		v, ok := doc[idx.Field]
		if !ok || v == nil {
			continue
		}
		value, err := scalarString(v)
		if err != nil {
			continue
		}
		ib := tx.Bucket(indexBucketName(schema.Collection, idx.Name))
		if ib == nil {
			return fmt.Errorf("index %s missing", idx.Name)
		}
		if err := ib.Put(indexEntryKey(value, pk), pk); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexRows(tx *bolt.Tx, schema Schema, pk, raw []byte) error {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil
	}
	for _, idx := range schema.Indexes {
		v, ok := doc[idx.Field]
		if !ok || v == nil {
			continue
		}
		value, err := scalarString(v)
		if err != nil {
			continue
		}
		ib := tx.Bucket(indexBucketName(schema.Collection, idx.Name))
		if ib == nil {
			continue
		}
		if err := ib.Delete(indexEntryKey(value, pk)); err != nil {
			return err
		}
	}
	return nil
}

// Get decodes the record stored under key into dst. Absence is reported as
// found == false, never as an error.
func (s *Store) Get(c Collection, key Key, dst any) (bool, error) {
	schema, err := s.schemaFor(c)
	if err != nil {
		return false, err
	}
	pk, err := schema.encodeKey(key)
	if err != nil {
		return false, err
	}

	var raw []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		if b == nil {
			return fmt.Errorf("bucket %s missing", c)
		}
		if v := b.Get(pk); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, unavailable("get", err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding %s record: %w", c, err)
	}
	return true, nil
}

// GetAll decodes every record of c, in primary key order, into dst, which
// must point to a slice.
func (s *Store) GetAll(c Collection, dst any) error {
	if _, err := s.schemaFor(c); err != nil {
		return err
	}
	var rows [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		if b == nil {
			return fmt.Errorf("bucket %s missing", c)
		}
		return b.ForEach(func(_, v []byte) error {
			rows = append(rows, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return unavailable("get all", err)
	}
	return decodeRows(c, rows, dst)
}

// GetAllByIndex decodes every record of c whose indexed field equals value
// into dst, which must point to a slice.
func (s *Store) GetAllByIndex(c Collection, index string, value any, dst any) error {
	schema, err := s.schemaFor(c)
	if err != nil {
		return err
	}
	found := false
	for _, idx := range schema.Indexes {
		if idx.Name == index {
			found = true
			break
		}
	}
	if !found {
		return &StorageError{Collection: c, Reason: fmt.Sprintf("unknown index %q", index)}
	}
	v, err := indexValue(value)
	if err != nil {
		return &StorageError{Collection: c, Reason: err.Error()}
	}
	if err := checkKeyPart(c, index, v); err != nil {
		return err
	}
	prefix := append([]byte(v), 0)

	var rows [][]byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		ib := tx.Bucket(indexBucketName(c, index))
		if b == nil || ib == nil {
			return fmt.Errorf("bucket %s missing", c)
		}
		cur := ib.Cursor()
		for k, pk := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, pk = cur.Next() {
			if raw := b.Get(pk); raw != nil {
				rows = append(rows, append([]byte(nil), raw...))
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("get by index", err)
	}
	return decodeRows(c, rows, dst)
}

// Delete removes the record under key. Deleting a missing key succeeds.
func (s *Store) Delete(c Collection, key Key) error {
	schema, err := s.schemaFor(c)
	if err != nil {
		return err
	}
	pk, err := schema.encodeKey(key)
	if err != nil {
		return err
	}
	return unavailable("delete", s.db.Update(func(tx *bolt.Tx) error {
		return deleteTx(tx, schema, pk)
	}))
}

func deleteTx(tx *bolt.Tx, schema Schema, pk []byte) error {
	b := tx.Bucket([]byte(schema.Collection))
	if b == nil {
		return fmt.Errorf("bucket %s missing", schema.Collection)
	}
	old := b.Get(pk)
	if old == nil {
		return nil
	}
	if err := removeIndexRows(tx, schema, pk, old); err != nil {
		return err
	}
	return b.Delete(pk)
}

// Count reports the number of records in c.
func (s *Store) Count(c Collection) (int, error) {
	if _, err := s.schemaFor(c); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		if b == nil {
			return fmt.Errorf("bucket %s missing", c)
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, unavailable("count", err)
}

func decodeRows(c Collection, rows [][]byte, dst any) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(r)
	}
	buf.WriteByte(']')
	if err := json.Unmarshal(buf.Bytes(), dst); err != nil {
		return fmt.Errorf("decoding %s records: %w", c, err)
	}
	return nil
}

// SaveMeta stores an opaque JSON value in the metadata bucket.
func (s *Store) SaveMeta(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding metadata %s: %w", key, err)
	}
	return unavailable("save metadata", s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(key), raw)
	}))
}

// LoadMeta decodes the metadata value under key into dst.
func (s *Store) LoadMeta(key string, dst any) (bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, unavailable("load metadata", err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding metadata %s: %w", key, err)
	}
	return true, nil
}

// DeleteMeta removes a metadata value.
func (s *Store) DeleteMeta(key string) error {
	return unavailable("delete metadata", s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete([]byte(key))
	}))
}
