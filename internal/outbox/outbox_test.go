package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pders01/storyline/internal/storage"
	"github.com/pders01/storyline/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func setupTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storyForm(desc string) *Form {
	return NewForm().Set("description", desc).Set("lat", "-6.2").Set("lon", "106.8")
}

func TestWriter_EnqueueReturnsReceipt(t *testing.T) {
	store := setupTestStore(t)
	w := NewWriter(store, Options{})

	form := storyForm("offline sunset").Attach("photo", "sunset.png", "image/png", pngHeader)
	receipt, err := w.Enqueue(context.Background(), form)
	require.NoError(t, err)
	assert.True(t, receipt.Queued)
	assert.Equal(t, SavedOffline, receipt.Message)
	assert.NotZero(t, receipt.ID)

	pending, err := store.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	e := pending[0]
	assert.Equal(t, "offline sunset", e.Fields["description"])
	assert.Equal(t, storage.AttachmentMeta{Name: "sunset.png", Type: "image/png", Size: int64(len(pngHeader))}, e.Attachments["photo"])
	assert.True(t, e.AttachmentDropped)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestWriter_RejectsLargePhotoBeforeQueueing(t *testing.T) {
	store := setupTestStore(t)
	w := NewWriter(store, Options{MaxAttachmentSize: 1024 * 1024})

	big := make([]byte, 2*1024*1024)
	copy(big, pngHeader)
	_, err := w.Enqueue(context.Background(), storyForm("too big").Attach("photo", "big.png", "image/png", big))

	var ae *validation.AttachmentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, validation.AttachmentTooLarge, ae.Result.Problem)

	n, err := store.OutboxLen()
	require.NoError(t, err)
	assert.Zero(t, n, "nothing may be queued when validation fails")
}

func TestWriter_RejectsNonImage(t *testing.T) {
	store := setupTestStore(t)
	w := NewWriter(store, Options{})

	_, err := w.Enqueue(context.Background(), storyForm("x").Attach("photo", "notes.txt", "", []byte("hello world")))
	var ae *validation.AttachmentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, validation.AttachmentNotImage, ae.Result.Problem)
}

func TestWriter_KeepAttachmentsStoresBytes(t *testing.T) {
	store := setupTestStore(t)
	w := NewWriter(store, Options{KeepAttachments: true})

	_, err := w.Enqueue(context.Background(), storyForm("kept").Attach("photo", "p.png", "", pngHeader))
	require.NoError(t, err)

	it, err := store.DrainOutboxOrdered()
	require.NoError(t, err)
	require.True(t, it.Next())
	e := it.Entry()
	assert.False(t, e.AttachmentDropped)
	assert.Equal(t, pngHeader, e.Blobs["photo"])
	assert.Equal(t, "image/png", e.Attachments["photo"].Type, "type is sniffed when missing")
}

func TestWriter_StoreUnavailable(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewWriter(store, Options{}).Enqueue(context.Background(), storyForm("x"))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestParseMultipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("description", "from the browser"))
	fw, err := mw.CreateFormFile("photo", "capture.png")
	require.NoError(t, err)
	_, err = fw.Write(pngHeader)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	form, err := ParseMultipart(buf.Bytes(), mw.FormDataContentType())
	require.NoError(t, err)
	assert.Equal(t, "from the browser", form.Fields["description"])
	require.Contains(t, form.Files, "photo")
	assert.Equal(t, "capture.png", form.Files["photo"].Name)
	assert.Equal(t, int64(len(pngHeader)), form.Files["photo"].Size)
}

func TestParseMultipart_OtherEncodings(t *testing.T) {
	form, err := ParseMultipart([]byte("description=hi+there&lat=1.5"), "application/x-www-form-urlencoded")
	require.NoError(t, err)
	assert.Equal(t, "hi there", form.Fields["description"])
	assert.Equal(t, "1.5", form.Fields["lat"])

	form, err = ParseMultipart([]byte(`{"description":"json","lat":-6.2}`), "application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "json", form.Fields["description"])
	assert.Equal(t, "-6.2", form.Fields["lat"])

	_, err = ParseMultipart([]byte("x"), "text/plain")
	assert.ErrorIs(t, err, ErrUnsupportedBody)

	_, err = ParseMultipart([]byte("x"), "")
	assert.ErrorIs(t, err, ErrUnsupportedBody)
}

func TestForm_EncodeParsesBack(t *testing.T) {
	form := storyForm("round").Attach("photo", `we"ird.png`, "image/png", pngHeader)

	body, ct, err := form.Encode()
	require.NoError(t, err)

	back, err := ParseMultipart(body, ct)
	require.NoError(t, err)
	assert.Equal(t, form.Fields, back.Fields)
	assert.Equal(t, `we"ird.png`, back.Files["photo"].Name)
	assert.Equal(t, "image/png", back.Files["photo"].Type)
	assert.Equal(t, pngHeader, back.Files["photo"].Data)
}

type recordingSubmitter struct {
	mu    sync.Mutex
	seen  []string
	forms []*Form
	fail  map[string]error
}

func (r *recordingSubmitter) Submit(_ context.Context, form *Form) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc := form.Fields["description"]
	r.seen = append(r.seen, desc)
	r.forms = append(r.forms, form)
	return r.fail[desc]
}

func queueAll(t *testing.T, store *storage.Store, descs ...string) {
	t.Helper()
	w := NewWriter(store, Options{})
	for _, d := range descs {
		_, err := w.Enqueue(context.Background(), storyForm(d))
		require.NoError(t, err)
	}
}

func TestSync_DrainsInOrder(t *testing.T) {
	store := setupTestStore(t)
	queueAll(t, store, "e1", "e2", "e3")

	sub := &recordingSubmitter{}
	res, err := NewSynchronizer(store, sub, time.Second).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2", "e3"}, sub.seen)
	assert.Equal(t, 3, res.Synced)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Remaining)

	n, err := store.OutboxLen()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSync_IsolatesFailures(t *testing.T) {
	store := setupTestStore(t)
	queueAll(t, store, "e1", "e2", "e3")

	sub := &recordingSubmitter{fail: map[string]error{"e2": errors.New("server said 400")}}
	res, err := NewSynchronizer(store, sub, time.Second).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2", "e3"}, sub.seen)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Error(), "server said 400")

	pending, err := store.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e2", pending[0].Fields["description"])

	// The next reconnect retries e2.
	sub.fail = nil
	res, err = NewSynchronizer(store, sub, time.Second).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Remaining)
}

func TestSync_EmptyOutbox(t *testing.T) {
	store := setupTestStore(t)
	res, err := NewSynchronizer(store, &recordingSubmitter{}, 0).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestSync_SingleFlight(t *testing.T) {
	store := setupTestStore(t)
	queueAll(t, store, "slow")

	started := make(chan struct{})
	release := make(chan struct{})
	s := NewSynchronizer(store, SubmitFunc(func(ctx context.Context, _ *Form) error {
		close(started)
		<-release
		return nil
	}), time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(context.Background())
		done <- err
	}()

	<-started
	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestSync_AttemptTimeoutKeepsEntry(t *testing.T) {
	store := setupTestStore(t)
	queueAll(t, store, "hangs")

	s := NewSynchronizer(store, SubmitFunc(func(ctx context.Context, _ *Form) error {
		<-ctx.Done()
		return ctx.Err()
	}), 20*time.Millisecond)

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)
	assert.ErrorIs(t, res.Failures[0], context.DeadlineExceeded)
}

func TestSync_StoreUnavailable(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewSynchronizer(store, &recordingSubmitter{}, 0).Sync(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestSync_ReplaysAttachmentMetadataWhenBytesDropped(t *testing.T) {
	store := setupTestStore(t)
	_, err := NewWriter(store, Options{}).Enqueue(context.Background(),
		storyForm("with photo").Attach("photo", "p.png", "image/png", pngHeader))
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	_, err = NewSynchronizer(store, sub, time.Second).Sync(context.Background())
	require.NoError(t, err)

	require.Len(t, sub.forms, 1)
	form := sub.forms[0]
	assert.Empty(t, form.Files)

	var meta storage.AttachmentMeta
	require.NoError(t, json.Unmarshal([]byte(form.Fields["photo"]), &meta))
	assert.Equal(t, storage.AttachmentMeta{Name: "p.png", Type: "image/png", Size: int64(len(pngHeader))}, meta)
}

func TestSync_ReplaysKeptAttachmentAsFile(t *testing.T) {
	store := setupTestStore(t)
	_, err := NewWriter(store, Options{KeepAttachments: true}).Enqueue(context.Background(),
		storyForm("with photo").Attach("photo", "p.png", "image/png", pngHeader))
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	_, err = NewSynchronizer(store, sub, time.Second).Sync(context.Background())
	require.NoError(t, err)

	require.Len(t, sub.forms, 1)
	require.Contains(t, sub.forms[0].Files, "photo")
	assert.Equal(t, pngHeader, sub.forms[0].Files["photo"].Data)
	assert.NotContains(t, sub.forms[0].Fields, "photo")
}
