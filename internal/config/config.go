package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pders01/storyline/internal/validation"
	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path          string        `mapstructure:"path"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SchemaVersion int           `mapstructure:"schema_version"`
	CachePath     string        `mapstructure:"cache_path"`
	SearchIndex   string        `mapstructure:"search_index"`
}

type APIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Prefix      string        `mapstructure:"prefix"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	SoftTimeout time.Duration `mapstructure:"soft_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

type CacheConfig struct {
	Version       string   `mapstructure:"version"`
	ShellPrefix   string   `mapstructure:"shell_prefix"`
	DataPrefix    string   `mapstructure:"data_prefix"`
	Manifest      []string `mapstructure:"manifest"`
	ShellDocument string   `mapstructure:"shell_document"`
}

// ShellName is the versioned app-shell cache name, e.g. story-app-shell-v1.
func (c CacheConfig) ShellName() string {
	return c.ShellPrefix + "-" + c.Version
}

// DataName is the versioned dynamic-data cache name, e.g. story-app-data-v1.
func (c CacheConfig) DataName() string {
	return c.DataPrefix + "-" + c.Version
}

type OutboxConfig struct {
	MaxAttachmentSize int64         `mapstructure:"max_attachment_size"`
	ReplayTimeout     time.Duration `mapstructure:"replay_timeout"`
	KeepAttachments   bool          `mapstructure:"keep_attachments"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	Origin string `mapstructure:"origin"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".storyline")

	return &Config{
		Database: DatabaseConfig{
			Path:          filepath.Join(dataDir, "storyline.db"),
			Timeout:       1 * time.Second,
			SchemaVersion: 3,
			CachePath:     filepath.Join(dataDir, "caches.db"),
			SearchIndex:   filepath.Join(dataDir, "index.bleve"),
		},
		API: APIConfig{
			BaseURL:     "https://story-api.dicoding.dev/v1",
			Prefix:      "/v1",
			HTTPTimeout: 30 * time.Second,
			SoftTimeout: 4 * time.Second,
			UserAgent:   "storyline/1.0 (https://github.com/pders01/storyline)",
		},
		Cache: CacheConfig{
			Version:       "v1",
			ShellPrefix:   "story-app-shell",
			DataPrefix:    "story-app-data",
			Manifest:      []string{"/index.html", "/styles/styles.css", "/images/logo.png"},
			ShellDocument: "/index.html",
		},
		Outbox: OutboxConfig{
			MaxAttachmentSize: 1024 * 1024,
			ReplayTimeout:     20 * time.Second,
			KeepAttachments:   false,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8787",
			Origin: "http://localhost:5173",
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "storyline.log"),
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.timeout", cfg.Database.Timeout)
	v.SetDefault("database.schema_version", cfg.Database.SchemaVersion)
	v.SetDefault("database.cache_path", cfg.Database.CachePath)
	v.SetDefault("database.search_index", cfg.Database.SearchIndex)

	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.prefix", cfg.API.Prefix)
	v.SetDefault("api.http_timeout", cfg.API.HTTPTimeout)
	v.SetDefault("api.soft_timeout", cfg.API.SoftTimeout)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)

	v.SetDefault("cache.version", cfg.Cache.Version)
	v.SetDefault("cache.shell_prefix", cfg.Cache.ShellPrefix)
	v.SetDefault("cache.data_prefix", cfg.Cache.DataPrefix)
	v.SetDefault("cache.manifest", cfg.Cache.Manifest)
	v.SetDefault("cache.shell_document", cfg.Cache.ShellDocument)

	v.SetDefault("outbox.max_attachment_size", cfg.Outbox.MaxAttachmentSize)
	v.SetDefault("outbox.replay_timeout", cfg.Outbox.ReplayTimeout)
	v.SetDefault("outbox.keep_attachments", cfg.Outbox.KeepAttachments)

	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.origin", cfg.Server.Origin)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
}

// Load reads configuration from configPath, or from
// ~/.config/storyline/config.toml and ./config.toml when configPath is empty.
// A .env file in the working directory is loaded first; STORYLINE_* variables
// override file values (STORYLINE_API_BASE_URL -> api.base_url).
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, defaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Join(homeDir, ".config", "storyline"))
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("STORYLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	expandPaths(&config)

	return &config, nil
}

// Validate rejects settings the offline layer cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	baseURL, err := validation.NewPermissiveAPIURLValidator().ValidateAndNormalize(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	c.API.BaseURL = baseURL
	if c.Database.SchemaVersion < 1 {
		return fmt.Errorf("database.schema_version must be >= 1, got %d", c.Database.SchemaVersion)
	}
	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if c.Outbox.MaxAttachmentSize <= 0 {
		return fmt.Errorf("outbox.max_attachment_size must be positive")
	}
	for _, p := range c.Cache.Manifest {
		if _, err := validation.ValidateAppPath(p); err != nil {
			return fmt.Errorf("cache.manifest: %w", err)
		}
	}
	if _, err := validation.ValidateAppPath(c.Cache.ShellDocument); err != nil {
		return fmt.Errorf("cache.shell_document: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" || path == ":memory:" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Database.CachePath = expandPath(cfg.Database.CachePath)
	cfg.Database.SearchIndex = expandPath(cfg.Database.SearchIndex)
	cfg.Log.File = expandPath(cfg.Log.File)
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Durations as strings keep the TOML readable.
	v.Set("database", map[string]any{
		"path":           config.Database.Path,
		"timeout":        config.Database.Timeout.String(),
		"schema_version": config.Database.SchemaVersion,
		"cache_path":     config.Database.CachePath,
		"search_index":   config.Database.SearchIndex,
	})
	v.Set("api", map[string]any{
		"base_url":     config.API.BaseURL,
		"prefix":       config.API.Prefix,
		"http_timeout": config.API.HTTPTimeout.String(),
		"soft_timeout": config.API.SoftTimeout.String(),
		"user_agent":   config.API.UserAgent,
	})
	v.Set("cache", map[string]any{
		"version":        config.Cache.Version,
		"shell_prefix":   config.Cache.ShellPrefix,
		"data_prefix":    config.Cache.DataPrefix,
		"manifest":       config.Cache.Manifest,
		"shell_document": config.Cache.ShellDocument,
	})
	v.Set("outbox", map[string]any{
		"max_attachment_size": config.Outbox.MaxAttachmentSize,
		"replay_timeout":      config.Outbox.ReplayTimeout.String(),
		"keep_attachments":    config.Outbox.KeepAttachments,
	})
	v.Set("server", map[string]any{
		"listen": config.Server.Listen,
		"origin": config.Server.Origin,
	})
	v.Set("log", map[string]any{
		"level": config.Log.Level,
		"file":  config.Log.File,
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
