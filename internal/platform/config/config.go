package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses a time.Duration ("10s", "15m"), or falls back the same
// way GetEnvInt does.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvList splits a whitespace-separated variable into fields.
func GetEnvList(key string) []string {
	return strings.Fields(os.Getenv(key))
}

// Backends selectable for the frame bus and the record store.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var (
	ErrMissingSecret = errors.New("token secret not set")
	ErrSharedSecret  = errors.New("playback and session token secrets must differ")
)

// Config is the service configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	StorageRoot string
	BusBackend  string
	RecordStore string
	RedisURL    string

	TranscoderPath         string
	TranscoderArgsPrefix   []string
	TranscoderOutputMount  string
	TranscoderStopTimeout  time.Duration
	TranscoderWriteTimeout time.Duration
	HLSSegmentSeconds      int
	HLSListSize            int

	PlaybackTokenSecret string
	SessionTokenSecret  string
	PlaybackTokenTTL    time.Duration

	IngestMaxFrameBytes int
	ShutdownTimeout     time.Duration
}

// FromEnv builds a Config from the environment and validates it.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		StorageRoot: GetEnv("STORAGE_ROOT", "./data/live"),
		BusBackend:  strings.ToLower(GetEnv("BUS_BACKEND", BackendMemory)),
		RecordStore: strings.ToLower(GetEnv("RECORD_STORE", BackendMemory)),
		RedisURL:    GetEnv("REDIS_URL", "redis://localhost:6379/0"),

		TranscoderPath:         GetEnv("TRANSCODER_PATH", "ffmpeg"),
		TranscoderArgsPrefix:   GetEnvList("TRANSCODER_ARGS_PREFIX"),
		TranscoderOutputMount:  GetEnv("TRANSCODER_OUTPUT_MOUNT", ""),
		TranscoderStopTimeout:  GetEnvDuration("TRANSCODER_STOP_TIMEOUT", 10*time.Second),
		TranscoderWriteTimeout: GetEnvDuration("TRANSCODER_WRITE_TIMEOUT", 5*time.Second),
		HLSSegmentSeconds:      GetEnvInt("HLS_SEGMENT_SECONDS", 2),
		HLSListSize:            GetEnvInt("HLS_LIST_SIZE", 3),

		PlaybackTokenSecret: os.Getenv("PLAYBACK_TOKEN_SECRET"),
		SessionTokenSecret:  os.Getenv("SESSION_TOKEN_SECRET"),
		PlaybackTokenTTL:    GetEnvDuration("PLAYBACK_TOKEN_TTL", 15*time.Minute),

		IngestMaxFrameBytes: GetEnvInt("INGEST_MAX_FRAME_BYTES", 4<<20),
		ShutdownTimeout:     GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail later at runtime.
func (c Config) Validate() error {
	var errs []error
	if c.PlaybackTokenSecret == "" {
		errs = append(errs, fmt.Errorf("PLAYBACK_TOKEN_SECRET: %w", ErrMissingSecret))
	}
	if c.SessionTokenSecret == "" {
		errs = append(errs, fmt.Errorf("SESSION_TOKEN_SECRET: %w", ErrMissingSecret))
	}
	if c.PlaybackTokenSecret != "" && c.PlaybackTokenSecret == c.SessionTokenSecret {
		errs = append(errs, ErrSharedSecret)
	}
	for name, v := range map[string]string{"BUS_BACKEND": c.BusBackend, "RECORD_STORE": c.RecordStore} {
		if v != BackendMemory && v != BackendRedis {
			errs = append(errs, fmt.Errorf("%s: unknown backend %q", name, v))
		}
	}
	if c.PlaybackTokenTTL <= 0 {
		errs = append(errs, errors.New("PLAYBACK_TOKEN_TTL must be positive"))
	}
	if c.StorageRoot == "" {
		errs = append(errs, errors.New("STORAGE_ROOT must not be empty"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.BusBackend == BackendRedis || c.RecordStore == BackendRedis
}
