// Package notify decodes push payloads into notifications and resolves
// where a click on one should lead.
package notify

import (
	"encoding/json"
	"net/url"
	"strings"
)

const (
	FallbackTitle = "New notification"
	DefaultTitle  = "Notification"
	DefaultBody   = "You have a new notification"
	EmptyBody     = "You have a new message"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Data struct {
	StoryID string `json:"storyId,omitempty"`
	URL     string `json:"url,omitempty"`
}

type Options struct {
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Data    Data     `json:"data"`
	Actions []Action `json:"actions,omitempty"`
}

type Notification struct {
	Title   string  `json:"title"`
	Options Options `json:"options"`
}

// Parse decodes a push payload. A payload that is not a JSON object
// becomes a notification titled FallbackTitle whose body is the raw text.
func Parse(payload []byte) Notification {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return Notification{Title: FallbackTitle, Options: Options{Body: EmptyBody}}
	}

	var raw struct {
		Title   string   `json:"title"`
		Options *Options `json:"options"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Notification{Title: FallbackTitle, Options: Options{Body: string(payload)}}
	}

	n := Notification{Title: raw.Title}
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if raw.Options != nil {
		n.Options = *raw.Options
	} else {
		n.Options = Options{Body: DefaultBody}
	}
	return n
}

// Target is the app route a click on n opens: the story's detail view,
// then the payload URL, then the root.
func Target(n Notification) string {
	if id := strings.TrimSpace(n.Options.Data.StoryID); id != "" {
		return "/#/stories/" + url.PathEscape(id)
	}
	if u := strings.TrimSpace(n.Options.Data.URL); u != "" {
		return u
	}
	return "/"
}
