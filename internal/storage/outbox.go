package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// EnqueueOutbox appends entry with a fresh, monotonic ID and returns it.
// Existing entries are never overwritten.
func (s *Store) EnqueueOutbox(entry *OutboxEntry) (uint64, error) {
	schema, err := s.schemaFor(Outbox)
	if err != nil {
		return 0, err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(Outbox))
		if b == nil {
			return fmt.Errorf("bucket %s missing", Outbox)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = id

		raw, doc, err := toDocument(entry)
		if err != nil {
			return err
		}
		pk := itob(id)
		if b.Get(pk) != nil {
			return fmt.Errorf("outbox id %d already in use", id)
		}
		if err := putTx(tx, schema, pk, raw, doc); err != nil {
			return err
		}

		blobs := tx.Bucket(blobsBucket)
		for field, data := range entry.Blobs {
			if err := blobs.Put(blobKey(id, field), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		entry.ID = 0
		return 0, unavailable("enqueue outbox", err)
	}
	return entry.ID, nil
}

// DeleteOutbox removes one outbox entry and its stored attachment bytes.
// Deleting a missing entry succeeds.
func (s *Store) DeleteOutbox(id uint64) error {
	schema, err := s.schemaFor(Outbox)
	if err != nil {
		return err
	}
	return unavailable("delete outbox", s.db.Update(func(tx *bolt.Tx) error {
		pk := itob(id)
		if err := deleteTx(tx, schema, pk); err != nil {
			return err
		}
		blobs := tx.Bucket(blobsBucket)
		prefix := append(pk, 0)
		cur := blobs.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Seek(prefix) {
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	}))
}

// OutboxLen reports how many writes are waiting to be replayed.
func (s *Store) OutboxLen() (int, error) {
	return s.Count(Outbox)
}

// PendingOutbox returns every queued entry, oldest first, without blobs.
func (s *Store) PendingOutbox() ([]*OutboxEntry, error) {
	var entries []*OutboxEntry
	if err := s.GetAll(Outbox, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// DrainOutboxOrdered returns an iterator over the outbox in enqueue order.
// The iterator is lazy (each step is its own read transaction, so entries
// may be deleted while iterating), finite (entries enqueued after the call
// are not visited) and cannot be restarted.
func (s *Store) DrainOutboxOrdered() (*OutboxIterator, error) {
	if _, err := s.schemaFor(Outbox); err != nil {
		return nil, err
	}
	var bound uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(Outbox))
		if b == nil {
			return fmt.Errorf("bucket %s missing", Outbox)
		}
		bound = b.Sequence()
		return nil
	})
	if err != nil {
		return nil, unavailable("draining outbox", err)
	}
	return &OutboxIterator{store: s, bound: bound}, nil
}

// OutboxIterator walks outbox entries oldest first. Use it like
// bufio.Scanner: call Next until it returns false, then check Err.
type OutboxIterator struct {
	store *Store
	bound uint64
	last  []byte
	cur   *OutboxEntry
	err   error
	done  bool
}

func (it *OutboxIterator) Next() bool {
	if it.done {
		return false
	}

	var raw []byte
	var key []byte
	blobs := map[string][]byte{}
	err := it.store.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(Outbox)).Cursor()
		var k, v []byte
		if it.last == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(it.last)
			if k != nil && bytes.Equal(k, it.last) {
				k, v = c.Next()
			}
		}
		if k == nil || btoi(k) > it.bound {
			return nil
		}
		key = append([]byte(nil), k...)
		raw = append([]byte(nil), v...)

		prefix := append(append([]byte(nil), k...), 0)
		bc := tx.Bucket(blobsBucket).Cursor()
		for bk, bv := bc.Seek(prefix); bk != nil && bytes.HasPrefix(bk, prefix); bk, bv = bc.Next() {
			blobs[string(bk[len(prefix):])] = append([]byte(nil), bv...)
		}
		return nil
	})
	if err != nil {
		it.fail(unavailable("reading outbox", err))
		return false
	}
	if key == nil {
		it.done = true
		it.cur = nil
		return false
	}

	var entry OutboxEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		it.fail(fmt.Errorf("decoding outbox entry %d: %w", btoi(key), err))
		return false
	}
	if len(blobs) > 0 {
		entry.Blobs = blobs
	}
	it.last = key
	it.cur = &entry
	return true
}

// Entry returns the entry produced by the last successful Next.
func (it *OutboxIterator) Entry() *OutboxEntry {
	return it.cur
}

func (it *OutboxIterator) Err() error {
	return it.err
}

func (it *OutboxIterator) fail(err error) {
	it.err = err
	it.done = true
	it.cur = nil
}

func blobKey(id uint64, field string) []byte {
	return append(append(itob(id), 0), field...)
}
