// Package outbox turns writes that could not reach the server into durable
// queue entries and replays them, oldest first, once connectivity returns.
package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

// ErrUnsupportedBody is returned by ParseMultipart for bodies that are not
// form data.
var ErrUnsupportedBody = errors.New("unsupported request body")

// File is a binary form field.
type File struct {
	Name string
	Type string
	Size int64
	Data []byte
}

// Form is a write payload: plain fields plus binary attachments.
type Form struct {
	Fields map[string]string
	Files  map[string]*File
}

func NewForm() *Form {
	return &Form{Fields: map[string]string{}, Files: map[string]*File{}}
}

func (f *Form) Set(key, value string) *Form {
	f.Fields[key] = value
	return f
}

// Attach adds a binary field.
func (f *Form) Attach(field, name, contentType string, data []byte) *Form {
	f.Files[field] = &File{Name: name, Type: contentType, Size: int64(len(data)), Data: data}
	return f
}

// ParseMultipart builds a Form from a fully buffered request body. It
// accepts multipart/form-data, application/x-www-form-urlencoded and a
// JSON object whose non-string values are kept as JSON text.
func ParseMultipart(body []byte, contentType string) (*Form, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedBody, contentType)
	}

	form := NewForm()
	switch mediaType {
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("parsing multipart: missing boundary")
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parsing multipart: %w", err)
			}
			data, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				return nil, fmt.Errorf("reading part %s: %w", part.FormName(), err)
			}
			name := part.FormName()
			if name == "" {
				continue
			}
			if part.FileName() != "" {
				form.Attach(name, part.FileName(), part.Header.Get("Content-Type"), data)
				continue
			}
			form.Fields[name] = string(data)
		}
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parsing form: %w", err)
		}
		for k := range values {
			form.Fields[k] = values.Get(k)
		}
	case "application/json":
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("parsing json body: %w", err)
		}
		for k, raw := range obj {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				form.Fields[k] = s
				continue
			}
			form.Fields[k] = string(raw)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBody, mediaType)
	}
	return form, nil
}

// Encode writes the form as multipart/form-data. Fields and files are
// written in name order.
func (f *Form) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, f.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", k, err)
		}
	}

	files := make([]string, 0, len(f.Files))
	for k := range f.Files {
		files = append(files, k)
	}
	sort.Strings(files)
	for _, k := range files {
		file := f.Files[k]
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(k), escapeQuotes(file.Name)))
		ct := file.Type
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("writing file %s: %w", k, err)
		}
		if _, err := pw.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("writing file %s: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
