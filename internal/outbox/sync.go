package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/storage"
)

// ErrSyncInProgress is returned when Sync is called while another drain is
// still running.
var ErrSyncInProgress = errors.New("outbox sync already in progress")

// Submitter sends one replayed write to the server. It must return nil
// only when the server confirmed the write.
type Submitter interface {
	Submit(ctx context.Context, form *Form) error
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, form *Form) error

func (f SubmitFunc) Submit(ctx context.Context, form *Form) error {
	return f(ctx, form)
}

// Source is the part of the store the Synchronizer drains.
type Source interface {
	DrainOutboxOrdered() (*storage.OutboxIterator, error)
	DeleteOutbox(id uint64) error
	OutboxLen() (int, error)
}

// SyncItemError records one entry that failed to replay. The entry stays
// queued for the next sync.
type SyncItemError struct {
	EntryID uint64
	Err     error
}

func (e *SyncItemError) Error() string {
	return fmt.Sprintf("replaying outbox entry %d: %v", e.EntryID, e.Err)
}

func (e *SyncItemError) Unwrap() error {
	return e.Err
}

// Result summarizes one drain.
type Result struct {
	Synced    int
	Failed    int
	Remaining int
	Failures  []*SyncItemError
}

// Synchronizer replays the outbox in FIFO order.
type Synchronizer struct {
	source  Source
	submit  Submitter
	timeout time.Duration
	mu      sync.Mutex
}

// NewSynchronizer creates a Synchronizer. timeout bounds each replay
// attempt; zero means 20s.
func NewSynchronizer(source Source, submit Submitter, timeout time.Duration) *Synchronizer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Synchronizer{source: source, submit: submit, timeout: timeout}
}

// Sync drains every entry queued before the call. Each entry is deleted
// right after the server confirms it; a failing entry is kept and the
// drain moves on. Sync returns an error only when the drain cannot start,
// when another drain is running, or when ctx ends mid-drain (the partial
// Result is still returned).
func (s *Synchronizer) Sync(ctx context.Context) (Result, error) {
	if !s.mu.TryLock() {
		return Result{}, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	var res Result
	it, err := s.source.DrainOutboxOrdered()
	if err != nil {
		return res, fmt.Errorf("starting outbox sync: %w", err)
	}

	for it.Next() {
		if err := ctx.Err(); err != nil {
			s.finish(&res)
			return res, err
		}
		entry := it.Entry()
		log := debuglog.WithFields(map[string]any{"component": "outbox", "entry": entry.ID})

		if err := s.replay(ctx, entry); err != nil {
			res.Failed++
			itemErr := &SyncItemError{EntryID: entry.ID, Err: err}
			res.Failures = append(res.Failures, itemErr)
			log.Warnf("replay failed, keeping entry: %v", err)
			continue
		}
		if err := s.source.DeleteOutbox(entry.ID); err != nil {
			res.Failed++
			itemErr := &SyncItemError{EntryID: entry.ID, Err: fmt.Errorf("removing after replay: %w", err)}
			res.Failures = append(res.Failures, itemErr)
			log.Errorf("replayed but could not remove entry, it will be sent again: %v", err)
			continue
		}
		res.Synced++
		log.Debugf("replayed")
	}
	if err := it.Err(); err != nil {
		s.finish(&res)
		return res, fmt.Errorf("reading outbox: %w", err)
	}

	s.finish(&res)
	if res.Synced > 0 || res.Failed > 0 {
		debuglog.Infof("outbox sync: %d synced, %d failed, %d remaining", res.Synced, res.Failed, res.Remaining)
	}
	return res, nil
}

func (s *Synchronizer) replay(ctx context.Context, entry *storage.OutboxEntry) error {
	form, dropped := FormFromEntry(entry)
	if len(dropped) > 0 {
		debuglog.WithFields(map[string]any{"component": "outbox", "entry": entry.ID}).
			Warnf("attachment bytes were not kept for %v; sending metadata only", dropped)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.submit.Submit(attemptCtx, form)
}

func (s *Synchronizer) finish(res *Result) {
	n, err := s.source.OutboxLen()
	if err != nil {
		res.Remaining = res.Failed
		return
	}
	res.Remaining = n
}

// FormFromEntry rebuilds the payload of a queued write. Attachments whose
// bytes were stored come back as files; the others come back as a field
// holding their {name,type,size} metadata as JSON, and their field names
// are returned in dropped.
func FormFromEntry(entry *storage.OutboxEntry) (form *Form, dropped []string) {
	form = NewForm()
	for k, v := range entry.Fields {
		form.Fields[k] = v
	}
	for field, meta := range entry.Attachments {
		if data, ok := entry.Blobs[field]; ok {
			form.Files[field] = &File{Name: meta.Name, Type: meta.Type, Size: int64(len(data)), Data: data}
			continue
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			raw = []byte("{}")
		}
		form.Fields[field] = string(raw)
		dropped = append(dropped, field)
	}
	sort.Strings(dropped)
	return form, dropped
}
