package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/petervdpas/roomsync/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	Polling Polling `json:"polling"`
	Chat    Chat    `json:"chat"`
	Log     Log     `json:"log"`
}

type Server struct {
	// Base URL of the room backend, e.g. http://127.0.0.1:8000.
	// The chat socket is derived from it (ws:// or wss://).
	BaseURL string `json:"base_url" env:"ROOMSYNC_BASE_URL"`

	RequestTimeoutMs int `json:"request_timeout_ms" env:"ROOMSYNC_REQUEST_TIMEOUT_MS"`
}

type Polling struct {
	AuthIntervalMs     int `json:"auth_interval_ms"`
	PlaybackIntervalMs int `json:"playback_interval_ms"`

	// Grace period before navigating home from a room that does not exist.
	NotFoundDelayMs int `json:"not_found_delay_ms"`

	// How long transient notices (e.g. "settings updated") stay visible.
	NoticeTTLMs int `json:"notice_ttl_ms"`
}

type Chat struct {
	DisplayName   string `json:"display_name" env:"ROOMSYNC_DISPLAY_NAME"`
	DialTimeoutMs int    `json:"dial_timeout_ms"`
}

type Log struct {
	Level string `json:"level" env:"ROOMSYNC_LOG_LEVEL"`

	// Optional log file. Empty logs to stderr.
	File string `json:"file" env:"ROOMSYNC_LOG_FILE"`
}

func Default() Config {
	return Config{
		Server: Server{
			BaseURL:          "http://127.0.0.1:8000",
			RequestTimeoutMs: 10000,
		},
		Polling: Polling{
			AuthIntervalMs:     30000,
			PlaybackIntervalMs: 1000,
			NotFoundDelayMs:    3000,
			NoticeTTLMs:        3000,
		},
		Chat: Chat{
			DisplayName:   "",
			DialTimeoutMs: 5000,
		},
		Log: Log{
			Level: "warn",
		},
	}
}

func (s Server) RequestTimeout() time.Duration { return ms(s.RequestTimeoutMs) }

func (p Polling) AuthInterval() time.Duration     { return ms(p.AuthIntervalMs) }
func (p Polling) PlaybackInterval() time.Duration { return ms(p.PlaybackIntervalMs) }
func (p Polling) NotFoundDelay() time.Duration    { return ms(p.NotFoundDelayMs) }
func (p Polling) NoticeTTL() time.Duration        { return ms(p.NoticeTTLMs) }

func (c Chat) DialTimeout() time.Duration { return ms(c.DialTimeoutMs) }

// FilePath resolves the log file against the directory of the config file
// at cfgPath. Empty means stderr.
func (l Log) FilePath(cfgPath string) string {
	if strings.TrimSpace(l.File) == "" {
		return ""
	}
	return util.ResolvePath(filepath.Dir(cfgPath), l.File)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return errors.New("server.base_url is required")
	}
	if err := validateBaseURL(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if c.Server.RequestTimeoutMs <= 0 {
		return errors.New("server.request_timeout_ms must be > 0")
	}

	// Polling
	if c.Polling.AuthIntervalMs < 1000 {
		return errors.New("polling.auth_interval_ms must be >= 1000")
	}
	if c.Polling.PlaybackIntervalMs < 100 {
		return errors.New("polling.playback_interval_ms must be >= 100")
	}
	if c.Polling.NotFoundDelayMs <= 0 {
		return errors.New("polling.not_found_delay_ms must be > 0")
	}
	if c.Polling.NoticeTTLMs <= 0 {
		return errors.New("polling.notice_ttl_ms must be > 0")
	}

	// Chat
	if c.Chat.DialTimeoutMs <= 0 {
		return errors.New("chat.dial_timeout_ms must be > 0")
	}
	if strings.TrimSpace(c.Chat.DisplayName) != "" {
		if _, err := util.ValidateDisplayName(c.Chat.DisplayName); err != nil {
			return fmt.Errorf("chat.display_name: %w", err)
		}
	}

	// Log
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}

	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(util.NormalizeURL(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ApplyEnv overlays ROOMSYNC_* environment variables onto cfg. Unset
// variables leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
