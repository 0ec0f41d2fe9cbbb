package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          ":memory:",
			Timeout:       1 * time.Second,
			SchemaVersion: 3,
			CachePath:     ":memory:",
		},
		API: APIConfig{
			BaseURL:     "http://127.0.0.1/v1",
			Prefix:      "/v1",
			HTTPTimeout: 5 * time.Second,
			SoftTimeout: 200 * time.Millisecond,
			UserAgent:   "storyline-test/1.0",
		},
		Cache: CacheConfig{
			Version:       "v1",
			ShellPrefix:   "story-app-shell",
			DataPrefix:    "story-app-data",
			Manifest:      []string{"/index.html"},
			ShellDocument: "/index.html",
		},
		Outbox: OutboxConfig{
			MaxAttachmentSize: 1024 * 1024,
			ReplayTimeout:     2 * time.Second,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:0",
			Origin: "http://127.0.0.1",
		},
		Log: LogConfig{Level: "off"},
	}
}
