package outbox

import (
	"context"
	"fmt"
	"sort"

	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/media"
	"github.com/pders01/storyline/internal/storage"
	"github.com/pders01/storyline/internal/validation"
)

// SavedOffline is the message relayed to the user when a write is queued.
const SavedOffline = "Saved offline"

// Queue is the part of the store the Writer needs.
type Queue interface {
	EnqueueOutbox(entry *storage.OutboxEntry) (uint64, error)
}

type Options struct {
	// MaxAttachmentSize bounds each attachment. Zero means 1 MiB.
	MaxAttachmentSize int64
	// KeepAttachments persists attachment bytes so replays send the real
	// file. Without it only {name,type,size} survive.
	KeepAttachments bool
}

// Receipt confirms that a write was queued.
type Receipt struct {
	Queued  bool   `json:"queued"`
	ID      uint64 `json:"id,omitempty"`
	Message string `json:"message"`
}

// Writer converts failed writes into outbox entries.
type Writer struct {
	queue    Queue
	opts     Options
	detector *media.TypeDetector
}

func NewWriter(queue Queue, opts Options) *Writer {
	if opts.MaxAttachmentSize <= 0 {
		opts.MaxAttachmentSize = validation.DefaultMaxAttachmentSize
	}
	detector, err := media.NewTypeDetector()
	if err != nil {
		debuglog.Warnf("outbox: image type table unavailable: %v", err)
	}
	return &Writer{queue: queue, opts: opts, detector: detector}
}

// Validate checks every attachment of form without queueing anything.
func (w *Writer) Validate(form *Form) error {
	for _, field := range sortedFiles(form) {
		file := form.Files[field]
		w.fillType(file)
		res := validation.ValidateAttachment(validation.Attachment{
			Field: field,
			Name:  file.Name,
			Type:  file.Type,
			Size:  file.Size,
		}, w.opts.MaxAttachmentSize)
		if err := res.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue validates form and appends it to the outbox. Attachment problems
// are reported as *validation.AttachmentError before anything is stored;
// store failures wrap storage.ErrUnavailable.
func (w *Writer) Enqueue(ctx context.Context, form *Form) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if form == nil {
		form = NewForm()
	}
	if err := w.Validate(form); err != nil {
		return Receipt{}, err
	}

	entry := &storage.OutboxEntry{Fields: make(map[string]string, len(form.Fields))}
	for k, v := range form.Fields {
		entry.Fields[k] = v
	}
	if len(form.Files) > 0 {
		entry.Attachments = make(map[string]storage.AttachmentMeta, len(form.Files))
		for field, file := range form.Files {
			entry.Attachments[field] = storage.AttachmentMeta{Name: file.Name, Type: file.Type, Size: file.Size}
			if w.opts.KeepAttachments {
				if entry.Blobs == nil {
					entry.Blobs = map[string][]byte{}
				}
				entry.Blobs[field] = file.Data
			}
		}
		entry.AttachmentDropped = !w.opts.KeepAttachments
	}

	id, err := w.queue.EnqueueOutbox(entry)
	if err != nil {
		return Receipt{}, fmt.Errorf("queueing write: %w", err)
	}

	log := debuglog.WithFields(map[string]any{"component": "outbox", "entry": id})
	if entry.AttachmentDropped {
		log.Warnf("queued write without attachment bytes; replay will send metadata only")
	} else {
		log.Infof("queued write")
	}
	return Receipt{Queued: true, ID: id, Message: SavedOffline}, nil
}

func (w *Writer) fillType(file *File) {
	if file.Type != "" || w.detector == nil {
		return
	}
	head := file.Data
	if len(head) > 512 {
		head = head[:512]
	}
	if ct := w.detector.ContentType(file.Name, "", head); ct != media.OctetStream {
		file.Type = ct
	}
}

func sortedFiles(form *Form) []string {
	names := make([]string, 0, len(form.Files))
	for k := range form.Files {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
