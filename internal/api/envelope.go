package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pders01/storyline/internal/storage"
)

// rawStory accepts every story shape the API and its mirrors have used.
type rawStory struct {
	ID        string          `json:"id"`
	AltID     string          `json:"_id"`
	Name      string          `json:"name"`
	Owner     *owner          `json:"owner"`
	Desc      string          `json:"description"`
	PhotoURL  string          `json:"photoUrl"`
	Photo     string          `json:"photo"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Created   json.RawMessage `json:"created_at"`
	Lat       *float64        `json:"lat"`
	Lon       *float64        `json:"lon"`
	Location  *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"location"`
}

type owner struct {
	Name string `json:"name"`
}

type envelope struct {
	ListStory []json.RawMessage `json:"listStory"`
	Stories   []json.RawMessage `json:"stories"`
	Story     json.RawMessage   `json:"story"`
	Data      json.RawMessage   `json:"data"`
}

// NormalizeStories extracts the story list from any of the envelopes the
// API returns: listStory, stories, story (single or list) or
// data.listStory. Items without an id are dropped.
func NormalizeStories(body []byte) ([]*storage.Story, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding stories: %w", err)
	}

	items := env.ListStory
	if items == nil {
		items = env.Stories
	}
	if items == nil && len(env.Story) > 0 {
		items = oneOrMany(env.Story)
	}
	if items == nil && len(env.Data) > 0 {
		var inner envelope
		if err := json.Unmarshal(env.Data, &inner); err == nil {
			items = inner.ListStory
		}
	}

	stories := make([]*storage.Story, 0, len(items))
	for _, raw := range items {
		s, err := decodeStory(raw)
		if err != nil || s == nil {
			continue
		}
		stories = append(stories, s)
	}
	return stories, nil
}

// NormalizeStory extracts one story from story, data, or the bare object.
// It returns nil when the body carries no story with an id.
func NormalizeStory(body []byte) (*storage.Story, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding story: %w", err)
	}
	for _, candidate := range []json.RawMessage{env.Story, env.Data, body} {
		if len(candidate) == 0 || candidate[0] != '{' {
			continue
		}
		if s, err := decodeStory(candidate); err == nil && s != nil {
			return s, nil
		}
	}
	return nil, nil
}

func oneOrMany(raw json.RawMessage) []json.RawMessage {
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) == nil {
			return list
		}
		return nil
	}
	return []json.RawMessage{raw}
}

func decodeStory(raw json.RawMessage) (*storage.Story, error) {
	var r rawStory
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	id := r.ID
	if id == "" {
		id = r.AltID
	}
	if id == "" {
		return nil, nil
	}

	s := &storage.Story{
		ID:          id,
		Name:        r.Name,
		Description: r.Desc,
		Lat:         r.Lat,
		Lon:         r.Lon,
	}
	if s.Name == "" && r.Owner != nil {
		s.Name = r.Owner.Name
	}
	photo := r.PhotoURL
	if photo == "" {
		photo = r.Photo
	}
	if photo != "" {
		s.PhotoURL = &photo
	}
	if r.Location != nil {
		if s.Lat == nil {
			s.Lat = r.Location.Lat
		}
		if s.Lon == nil {
			s.Lon = r.Location.Lon
		}
	}

	created := r.CreatedAt
	if len(created) == 0 || string(created) == "null" {
		created = r.Created
	}
	s.CreatedAt = parseTime(created)
	return s, nil
}

// parseTime accepts RFC 3339 strings and Unix millisecond numbers. Anything
// else is stamped with the current time.
func parseTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Now().UTC()
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return time.Now().UTC()
	}
	var ms float64
	if json.Unmarshal(raw, &ms) == nil {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Now().UTC()
}

// errorFlag reports the {error, message} pair most responses carry.
func errorFlag(body []byte) (bool, string) {
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &env) != nil {
		return false, ""
	}
	switch string(env.Error) {
	case "", "false", "null":
		return false, env.Message
	case "true":
		return true, env.Message
	}
	// Some endpoints put the message in "error".
	var msg string
	if json.Unmarshal(env.Error, &msg) == nil {
		if env.Message == "" {
			env.Message = msg
		}
		return msg != "", env.Message
	}
	return false, env.Message
}
