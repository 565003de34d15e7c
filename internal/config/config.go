package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr              string
	DataDir           string
	DBPath            string
	BackendURL        string
	BackendTransport  string
	BackendAPIKey     string
	StatusSchema      string
	PollInterval      time.Duration
	CallTimeout       time.Duration
	HistorySize       int
	MaxFailures       int
	NodesTTL          time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration
	RulesInterval     time.Duration
	RetentionDays     int
	RetentionSchedule string
	AllowedOrigins    []string
	LogLevel          string
	LogFormat         string
	TelegramBotToken  string
	TelegramChatID    string
}

// Load reads .env, then the YAML file named by CONFIG_FILE, then the process
// environment. Later sources win.
func Load() (Config, error) {
	_ = godotenv.Load()

	var file map[string]string
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if file, err = readFile(path); err != nil {
			return Config{}, err
		}
	}
	src := source{file: file}

	dataDir := src.getenv("APP_DATA_DIR", "./data")
	cfg := Config{
		Addr:              src.getenv("APP_ADDR", ":8080"),
		DataDir:           dataDir,
		DBPath:            src.getenv("APP_DB_PATH", dataDir+"/app.db"),
		BackendURL:        src.getenv("BACKEND_URL", ""),
		BackendTransport:  strings.ToLower(src.getenv("BACKEND_TRANSPORT", "http")),
		BackendAPIKey:     src.getenv("BACKEND_API_KEY", ""),
		StatusSchema:      strings.ToLower(src.getenv("STATUS_SCHEMA", "komari")),
		PollInterval:      src.getenvDuration("POLL_INTERVAL", 2*time.Second),
		CallTimeout:       src.getenvDuration("CALL_TIMEOUT", 10*time.Second),
		HistorySize:       src.getenvInt("HISTORY_SIZE", 30),
		MaxFailures:       src.getenvInt("MAX_FAILURES", 3),
		NodesTTL:          src.getenvDuration("NODES_TTL", 5*time.Minute),
		ReconnectAttempts: src.getenvInt("RECONNECT_ATTEMPTS", 5),
		ReconnectInterval: src.getenvDuration("RECONNECT_INTERVAL", 5*time.Second),
		RulesInterval:     src.getenvDuration("APP_RULES_INTERVAL", 15*time.Second),
		RetentionDays:     src.getenvInt("APP_RETENTION_DAYS", 14),
		RetentionSchedule: src.getenv("APP_RETENTION_SCHEDULE", "@every 6h"),
		AllowedOrigins:    splitList(src.getenv("ALLOWED_ORIGINS", "")),
		LogLevel:          strings.ToLower(src.getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(src.getenv("LOG_FORMAT", "json")),
		TelegramBotToken:  src.getenv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    src.getenv("TELEGRAM_CHAT_ID", ""),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.BackendURL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required"))
	}
	if c.BackendTransport != "http" && c.BackendTransport != "ws" {
		errs = append(errs, fmt.Errorf("BACKEND_TRANSPORT must be http or ws, got %q", c.BackendTransport))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, errors.New("HISTORY_SIZE must be positive"))
	}
	if c.MaxFailures <= 0 {
		errs = append(errs, errors.New("MAX_FAILURES must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// readFile loads a flat YAML mapping whose keys are the environment variable
// names, in any case.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type source struct {
	file map[string]string
}

func (s source) lookup(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return s.file[k]
}

func (s source) getenv(k, d string) string {
	if v := s.lookup(k); v != "" {
		return v
	}
	return d
}

func (s source) getenvInt(k string, d int) int {
	v := s.lookup(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func (s source) getenvDuration(k string, d time.Duration) time.Duration {
	v := s.lookup(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}
