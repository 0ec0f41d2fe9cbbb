package validation

import (
	"fmt"

	"github.com/pders01/storyline/internal/media"
)

// DefaultMaxAttachmentSize is the largest photo the Story API accepts.
const DefaultMaxAttachmentSize int64 = 1024 * 1024

// Attachment describes a binary form field before it is sent or queued.
type Attachment struct {
	Field string
	Name  string
	Type  string
	Size  int64
}

type AttachmentProblem int

const (
	AttachmentOK AttachmentProblem = iota
	AttachmentEmpty
	AttachmentTooLarge
	AttachmentNotImage
)

func (p AttachmentProblem) String() string {
	switch p {
	case AttachmentOK:
		return "ok"
	case AttachmentEmpty:
		return "empty"
	case AttachmentTooLarge:
		return "too large"
	case AttachmentNotImage:
		return "not an image"
	default:
		return "unknown"
	}
}

// AttachmentResult is the outcome of ValidateAttachment.
type AttachmentResult struct {
	Problem AttachmentProblem
	Field   string
	Message string
	Size    int64
	Limit   int64
}

func (r AttachmentResult) OK() bool {
	return r.Problem == AttachmentOK
}

// Err returns nil for a valid attachment and an *AttachmentError otherwise.
func (r AttachmentResult) Err() error {
	if r.OK() {
		return nil
	}
	return &AttachmentError{Result: r}
}

type AttachmentError struct {
	Result AttachmentResult
}

func (e *AttachmentError) Error() string {
	if e.Result.Field == "" {
		return e.Result.Message
	}
	return fmt.Sprintf("%s: %s", e.Result.Field, e.Result.Message)
}

// ValidateAttachment checks a photo against the size limit and requires an
// image/* type. A zero or negative limit means DefaultMaxAttachmentSize. An
// empty type is not rejected; the server decides.
func ValidateAttachment(a Attachment, limit int64) AttachmentResult {
	if limit <= 0 {
		limit = DefaultMaxAttachmentSize
	}
	res := AttachmentResult{Field: a.Field, Size: a.Size, Limit: limit}

	switch {
	case a.Size <= 0 && a.Name == "":
		res.Problem = AttachmentEmpty
		res.Message = "Photo is required"
	case a.Size > limit:
		res.Problem = AttachmentTooLarge
		res.Message = fmt.Sprintf("Photo must be less than %s", humanSize(limit))
	case a.Type != "" && !media.IsImage(a.Type):
		res.Problem = AttachmentNotImage
		res.Message = "Photo must be a valid image file"
	}
	return res
}

func humanSize(n int64) string {
	switch {
	case n >= 1024*1024 && n%(1024*1024) == 0:
		return fmt.Sprintf("%dMB", n/(1024*1024))
	case n >= 1024 && n%1024 == 0:
		return fmt.Sprintf("%dKB", n/1024)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
