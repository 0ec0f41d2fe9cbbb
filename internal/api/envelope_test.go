package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStories(t *testing.T) {
	tests := []struct {
		name string
		body string
		ids  []string
	}{
		{"listStory", `{"error":false,"listStory":[{"id":"a"},{"id":"b"}]}`, []string{"a", "b"}},
		{"stories", `{"stories":[{"id":"a"}]}`, []string{"a"}},
		{"story list", `{"story":[{"id":"a"},{"_id":"b"}]}`, []string{"a", "b"}},
		{"single story", `{"story":{"id":"a"}}`, []string{"a"}},
		{"nested data", `{"data":{"listStory":[{"id":"a"}]}}`, []string{"a"}},
		{"items without id dropped", `{"listStory":[{"name":"x"},{"id":"b"}]}`, []string{"b"}},
		{"no stories", `{"error":true,"message":"offline, no cached data"}`, []string{}},
		{"string error field", `{"error":"Unauthorized","listStory":[{"id":"a"}]}`, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stories, err := NormalizeStories([]byte(tt.body))
			require.NoError(t, err)
			ids := []string{}
			for _, s := range stories {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestNormalizeStories_InvalidJSON(t *testing.T) {
	_, err := NormalizeStories([]byte("<html>"))
	assert.Error(t, err)
}

func TestNormalizeStories_FieldFallbacks(t *testing.T) {
	body := `{"listStory":[{
		"id":"a",
		"owner":{"name":"Owner"},
		"photo":"https://img/a.jpg",
		"created_at":1641623658598,
		"location":{"lat":1.5,"lon":2.5}
	}]}`

	stories, err := NormalizeStories([]byte(body))
	require.NoError(t, err)
	require.Len(t, stories, 1)

	s := stories[0]
	assert.Equal(t, "Owner", s.Name)
	require.NotNil(t, s.PhotoURL)
	assert.Equal(t, "https://img/a.jpg", *s.PhotoURL)
	assert.Equal(t, time.UnixMilli(1641623658598).UTC(), s.CreatedAt)
	require.NotNil(t, s.Lat)
	require.NotNil(t, s.Lon)
	assert.Equal(t, 1.5, *s.Lat)
	assert.Equal(t, 2.5, *s.Lon)
}

func TestNormalizeStories_MissingDateIsStamped(t *testing.T) {
	before := time.Now().Add(-time.Second)
	stories, err := NormalizeStories([]byte(`{"listStory":[{"id":"a"}]}`))
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.True(t, stories[0].CreatedAt.After(before))
	assert.Nil(t, stories[0].PhotoURL)
}

func TestNormalizeStory(t *testing.T) {
	tests := []struct {
		name string
		body string
		id   string
	}{
		{"story", `{"error":false,"story":{"id":"a"}}`, "a"},
		{"data", `{"data":{"id":"b"}}`, "b"},
		{"bare", `{"id":"c","name":"n"}`, "c"},
		{"underscore id", `{"story":{"_id":"d"}}`, "d"},
		{"none", `{"error":true,"message":"offline"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NormalizeStory([]byte(tt.body))
			require.NoError(t, err)
			if tt.id == "" {
				assert.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			assert.Equal(t, tt.id, s.ID)
		})
	}
}

func TestErrorFlag(t *testing.T) {
	tests := []struct {
		body    string
		flagged bool
		message string
	}{
		{`{"error":false,"message":"ok"}`, false, "ok"},
		{`{"error":true,"message":"bad"}`, true, "bad"},
		{`{"error":"Unauthorized"}`, true, "Unauthorized"},
		{`{"message":"plain"}`, false, "plain"},
		{`not json`, false, ""},
	}
	for _, tt := range tests {
		flagged, msg := errorFlag([]byte(tt.body))
		assert.Equal(t, tt.flagged, flagged, tt.body)
		assert.Equal(t, tt.message, msg, tt.body)
	}
}
