package storage

import (
	"strings"
	"time"
)

// Story is the locally cached copy of a story returned by the API.
type Story struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PhotoURL    *string   `json:"photoUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Lat         *float64  `json:"lat"`
	Lon         *float64  `json:"lon"`
}

// Local reports whether the story was saved on this device and never
// confirmed by the server.
func (s *Story) Local() bool {
	return strings.HasPrefix(s.ID, LocalIDPrefix)
}

// LocalIDPrefix marks stories created on this device.
const LocalIDPrefix = "local-"

// Favorite is a denormalized copy of a story's display fields. UserID is
// empty for anonymous favorites.
type Favorite struct {
	UserID      string    `json:"userId,omitempty"`
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Photo       string    `json:"photo"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AttachmentMeta describes a binary form field without its bytes.
type AttachmentMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// OutboxEntry is a write attempted while offline.
type OutboxEntry struct {
	ID          uint64                    `json:"id"`
	Fields      map[string]string         `json:"fields"`
	Attachments map[string]AttachmentMeta `json:"attachments,omitempty"`
	// AttachmentDropped is set when attachment bytes were not persisted; a
	// replay can only send the metadata for those fields.
	AttachmentDropped bool      `json:"attachmentDropped,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`

	// Blobs holds attachment bytes keyed by field name. It is stored in a
	// separate bucket and only populated when attachments are kept.
	Blobs map[string][]byte `json:"-"`
}
