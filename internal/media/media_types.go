package media

import (
	_ "embed"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed image_types.toml
var imageTypesTOML []byte

// OctetStream is reported when no better content type is known.
const OctetStream = "application/octet-stream"

type Type int

const (
	TypeUnknown Type = iota
	TypeImage
)

type Format struct {
	MIME       string   `toml:"mime"`
	Extensions []string `toml:"extensions"`
}

type TypesConfig struct {
	Formats []Format `toml:"formats"`
}

// TypeDetector classifies photo uploads by name and content.
type TypeDetector struct {
	byExt  map[string]string
	byMIME map[string]bool
}

func NewTypeDetector() (*TypeDetector, error) {
	var config TypesConfig
	if err := toml.Unmarshal(imageTypesTOML, &config); err != nil {
		return nil, fmt.Errorf("parsing image types: %w", err)
	}

	d := &TypeDetector{byExt: map[string]string{}, byMIME: map[string]bool{}}
	for _, f := range config.Formats {
		d.byMIME[f.MIME] = true
		for _, ext := range f.Extensions {
			d.byExt[ext] = f.MIME
		}
	}
	return d, nil
}

// DetectType classifies a file name or URL by its extension. Query strings
// and fragments are ignored.
func (d *TypeDetector) DetectType(name string) Type {
	if _, ok := d.byExt[extension(name)]; ok {
		return TypeImage
	}
	return TypeUnknown
}

// ContentType picks the content type for an upload. A declared type wins;
// otherwise the first bytes are sniffed, then the extension is consulted.
func (d *TypeDetector) ContentType(name, declared string, head []byte) string {
	if declared = strings.TrimSpace(declared); declared != "" && declared != OctetStream {
		return declared
	}
	if len(head) > 0 {
		sniffed := http.DetectContentType(head)
		if IsImage(sniffed) {
			return sniffed
		}
	}
	if m, ok := d.byExt[extension(name)]; ok {
		return m
	}
	if m := mime.TypeByExtension(path.Ext(strings.ToLower(name))); m != "" {
		return m
	}
	return OctetStream
}

// Known reports whether mimeType is one of the configured image formats.
func (d *TypeDetector) Known(mimeType string) bool {
	return d.byMIME[baseType(mimeType)]
}

// IsImage reports whether mimeType is any image/* type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(baseType(mimeType), "image/")
}

func baseType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func extension(name string) string {
	lower := strings.ToLower(name)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	ext := path.Ext(lower)
	return strings.TrimPrefix(ext, ".")
}
