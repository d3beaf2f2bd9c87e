// Package config defines the JSON-serializable configuration of the ingestion
// service and the collection-notice pipeline. Files are decoded with the
// standard library; environment variables recognized by the original upload
// service override individual fields so deployments can keep their existing
// settings.
//
// Example (trimmed):
//
//	{
//	  "job": "cobranza",
//	  "storage_root": "/var/lib/cobranza",
//	  "uploads":   { "chunk_size": 2097152, "max_file_size": 536870912, "cleanup_ttl_minutes": 60 },
//	  "converter": { "mode": "auto", "binary_path": "/usr/local/bin/excel_streaming" },
//	  "import":    { "batch_size": 1000, "progress_every": 25, "delimiter": ";" },
//	  "storage":   { "kind": "postgres", "dsn": "postgres://..." }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultChunkSize is the largest accepted chunk body (2MB).
	DefaultChunkSize int64 = 2 * 1024 * 1024
	// DefaultMaxFileSize is the largest accepted assembled file (512MB).
	DefaultMaxFileSize int64 = 512 * 1024 * 1024
	// DefaultCleanupTTLMinutes is how long an untouched upload session survives.
	DefaultCleanupTTLMinutes = 60
	// DefaultConverterPath is where the native converter is installed in the image.
	DefaultConverterPath = "/usr/local/bin/excel_streaming"
	// DefaultConverterTimeoutSeconds bounds one native conversion (10 minutes).
	DefaultConverterTimeoutSeconds = 600
	// DefaultBatchSize is the resilient importer batch size.
	DefaultBatchSize = 1000
	// DefaultProgressEvery controls how often (in batches) progress is logged.
	DefaultProgressEvery = 25
)

// Config is the top-level object decoded from a config file.
type Config struct {
	// Job names the deployment; it becomes the "job" label on every metric.
	Job string `json:"job"`

	// StorageRoot is the directory that holds upload groups and conversion output.
	StorageRoot string `json:"storage_root"`

	Uploads   Uploads   `json:"uploads"`
	Converter Converter `json:"converter"`
	Import    Import    `json:"import"`
	Storage   Storage   `json:"storage"`
	Metrics   Metrics   `json:"metrics"`
	HTTP      HTTP      `json:"http"`
}

// Uploads configures the chunk store and the sweep.
type Uploads struct {
	ChunkSize         int64 `json:"chunk_size"`
	MaxFileSize       int64 `json:"max_file_size"`
	CleanupTTLMinutes int   `json:"cleanup_ttl_minutes"`
}

// Converter selects the spreadsheet converter.
type Converter struct {
	// Mode is one of "auto", "native" or "streaming".
	Mode           string `json:"mode"`
	BinaryPath     string `json:"binary_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Import configures both bulk loaders.
type Import struct {
	BatchSize     int    `json:"batch_size"`
	ProgressEvery int    `json:"progress_every"`
	Delimiter     string `json:"delimiter"`

	// Options is a free-form bag handed to the CSV record streamer, e.g.
	//   lazy_quotes (bool), trim_space (bool)
	Options Options `json:"options"`
}

// Storage selects the staging store backend.
type Storage struct {
	// Kind is a registered store kind: "postgres", "sqlite" or "mssql".
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`

	// AutoMigrate creates staging tables at startup.
	AutoMigrate bool `json:"auto_migrate"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is one of "datadog", "prometheus" or "none".
	Backend      string   `json:"backend"`
	Tags         []string `json:"tags"`
	FlushSeconds int      `json:"flush_seconds"`
}

// HTTP configures cmd/ingestd.
type HTTP struct {
	Addr                 string `json:"addr"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Job:         "cobranza",
		StorageRoot: "storage/collection",
		Uploads: Uploads{
			ChunkSize:         DefaultChunkSize,
			MaxFileSize:       DefaultMaxFileSize,
			CleanupTTLMinutes: DefaultCleanupTTLMinutes,
		},
		Converter: Converter{
			Mode:           "auto",
			BinaryPath:     DefaultConverterPath,
			TimeoutSeconds: DefaultConverterTimeoutSeconds,
		},
		Import: Import{
			BatchSize:     DefaultBatchSize,
			ProgressEvery: DefaultProgressEvery,
			Delimiter:     ";",
			Options:       Options{"lazy_quotes": true},
		},
		Storage: Storage{Kind: "postgres", AutoMigrate: true},
		Metrics: Metrics{Backend: "none", FlushSeconds: 60},
		HTTP:    HTTP{Addr: ":8080", SweepIntervalSeconds: 300},
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// environment overrides from os.Getenv.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. getenv is injected so
// tests do not have to mutate the process environment.
//
// Recognized variables:
//   - COLLECTION_NOTICE_CHUNK_SIZE, COLLECTION_NOTICE_MAX_FILE_SIZE (bytes)
//   - COLLECTION_NOTICE_UPLOAD_TTL (minutes)
//   - COLLECTION_NOTICE_STORAGE_ROOT, COLLECTION_NOTICE_CONVERTER_PATH
//   - DATABASE_URL, STORAGE_KIND
//   - METRICS_BACKEND, METRICS_TAGS (comma separated)
//
// Errors:
//   - Returns an error naming the variable when a numeric value does not parse.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v, ok, err := envInt64(getenv, "COLLECTION_NOTICE_CHUNK_SIZE"); err != nil {
		return err
	} else if ok {
		c.Uploads.ChunkSize = v
	}
	if v, ok, err := envInt64(getenv, "COLLECTION_NOTICE_MAX_FILE_SIZE"); err != nil {
		return err
	} else if ok {
		c.Uploads.MaxFileSize = v
	}
	if v, ok, err := envInt64(getenv, "COLLECTION_NOTICE_UPLOAD_TTL"); err != nil {
		return err
	} else if ok {
		c.Uploads.CleanupTTLMinutes = int(v)
	}

	if v := strings.TrimSpace(getenv("COLLECTION_NOTICE_STORAGE_ROOT")); v != "" {
		c.StorageRoot = v
	}
	if v := strings.TrimSpace(getenv("COLLECTION_NOTICE_CONVERTER_PATH")); v != "" {
		c.Converter.BinaryPath = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv("STORAGE_KIND")); v != "" {
		c.Storage.Kind = v
	}
	if v := strings.TrimSpace(getenv("METRICS_BACKEND")); v != "" {
		c.Metrics.Backend = v
	}
	if v := strings.TrimSpace(getenv("METRICS_TAGS")); v != "" {
		c.Metrics.Tags = append(c.Metrics.Tags, splitCSV(v)...)
	}
	return nil
}

// DelimiterRune returns the configured import delimiter, defaulting to ';'.
func (c Config) DelimiterRune() rune {
	if r := []rune(c.Import.Delimiter); len(r) > 0 {
		return r[0]
	}
	return ';'
}

func envInt64(getenv func(string) string, key string) (int64, bool, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("config: %s=%q is not an integer: %w", key, raw, err)
	}
	return n, true, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Options is a small helper to fetch typed values from arbitrary JSON maps
// without introducing third-party configuration libraries. It performs only
// minimal type coercion and returns the provided default when a key is absent
// or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64,
// so both float64 and int are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}
