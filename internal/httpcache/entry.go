package httpcache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is one stored response.
type Entry struct {
	// Cache is the name of the cache the entry was read from.
	Cache    string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewEntry captures resp for url. body must be the fully read response
// body; resp.Body is not touched.
func NewEntry(url string, resp *http.Response, body []byte) *Entry {
	return &Entry{
		URL:      url,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now(),
	}
}

// Response rebuilds an *http.Response for req from the entry. Each call
// returns an independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
