package netcache

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// Payload is the JSON body of a synthesized response.
type Payload struct {
	Error   bool   `json:"error,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
	ID      uint64 `json:"id,omitempty"`
	Message string `json:"message"`
}

const (
	MessageNoData  = "offline, no cached data"
	MessageNetwork = "Network error"
)

func synthesize(req *http.Request, status int, p Payload, cacheState string) *http.Response {
	body, _ := json.Marshal(p)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set(HeaderSynthesized, "1")
	if cacheState != "" {
		header.Set(HeaderCache, cacheState)
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func noData(req *http.Request) *http.Response {
	return synthesize(req, http.StatusGatewayTimeout, Payload{Error: true, Message: MessageNoData}, CacheMiss)
}
