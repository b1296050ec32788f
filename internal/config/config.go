// Package config loads the cloud and gate runtime configuration from the
// environment, with an optional YAML overlay for the cloud's bank identity
// and fee schedule. Mains call godotenv.Load first so a local .env behaves
// like real environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Bank identifies the receiving account embedded in VietQR URLs.
type Bank struct {
	Code        string `yaml:"code"`
	AccountNo   string `yaml:"account_no"`
	AccountName string `yaml:"account_name"`
}

// Fee is the parking fee schedule in integer VND.
type Fee struct {
	Base         int64 `yaml:"base"`           // first hour
	PerExtraHour int64 `yaml:"per_extra_hour"` // every started hour after it
}

// Cloud is the cloud service configuration.
type Cloud struct {
	HTTPAddr      string        `yaml:"http_addr"`
	DatabaseURL   string        `yaml:"-"`
	RedisURL      string        `yaml:"-"`
	SecretToken   string        `yaml:"-"`
	ImagesDir     string        `yaml:"images_dir"`
	ReserveTTL    time.Duration `yaml:"-"`
	RetentionDays int           `yaml:"retention_days"`
	Bank          Bank          `yaml:"bank"`
	Fee           Fee           `yaml:"fee"`
}

// LoadCloud reads the environment (DB_*, REDIS_URL, SECRET_TOKEN, ...) and,
// when CLOUD_CONFIG points at a YAML file, overlays bank/fee/addr settings
// from it. SECRET_TOKEN is the only hard requirement.
func LoadCloud() (Cloud, error) {
	cfg := Cloud{
		HTTPAddr:      envOr("HTTP_ADDR", ":8000"),
		DatabaseURL:   DatabaseURL(),
		RedisURL:      os.Getenv("REDIS_URL"),
		SecretToken:   os.Getenv("SECRET_TOKEN"),
		ImagesDir:     envOr("IMAGES_DIR", "./images"),
		ReserveTTL:    time.Duration(envInt("RESERVE_TTL_SECONDS", 15)) * time.Second,
		RetentionDays: envInt("EVENT_RETENTION_DAYS", 30),
		Bank: Bank{
			Code:        "MB",
			AccountNo:   "4506120217",
			AccountName: "NGUYEN THANH THINH",
		},
		Fee: Fee{Base: 5000, PerExtraHour: 3000},
	}

	if path := os.Getenv("CLOUD_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Cloud{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Cloud{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.SecretToken == "" {
		return Cloud{}, fmt.Errorf("config: SECRET_TOKEN is required")
	}
	return cfg, nil
}

// Gate is the gate-node configuration.
type Gate struct {
	GateID            string
	CloudAPI          string
	SecretToken       string
	HTTPAddr          string
	DBPath            string
	ImagesDir         string
	SnapshotInterval  time.Duration
	DrainInterval     time.Duration
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
}

// gateFile is the shape of the optional config.json dropped next to the gate
// binary by provisioning. The environment always wins over it.
type gateFile struct {
	CloudAPI string `json:"cloud_api"`
}

// LoadGate reads the gate environment. CLOUD_API falls back to the
// config.json sidecar (path in GATE_CONFIG) so lanes can be repointed
// without touching the unit file.
func LoadGate() (Gate, error) {
	cfg := Gate{
		GateID:            os.Getenv("GATE_ID"),
		CloudAPI:          os.Getenv("CLOUD_API"),
		SecretToken:       os.Getenv("SECRET_TOKEN"),
		HTTPAddr:          envOr("HTTP_ADDR", ":8001"),
		DBPath:            envOr("GATE_DB", "./gate.db"),
		ImagesDir:         envOr("IMAGES_DIR", "./images"),
		SnapshotInterval:  envDuration("SNAPSHOT_INTERVAL", 3*time.Second),
		DrainInterval:     envDuration("DRAIN_INTERVAL", 2*time.Second),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 4*time.Second),
		PingInterval:      envDuration("PING_INTERVAL", 5*time.Second),
	}

	if cfg.GateID == "" {
		return Gate{}, fmt.Errorf("config: GATE_ID is required")
	}
	if cfg.CloudAPI == "" {
		path := envOr("GATE_CONFIG", "config.json")
		if raw, err := os.ReadFile(path); err == nil {
			var f gateFile
			if err := json.Unmarshal(raw, &f); err != nil {
				return Gate{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			cfg.CloudAPI = f.CloudAPI
		}
	}
	if cfg.CloudAPI == "" {
		cfg.CloudAPI = "http://localhost:8000"
	}
	return cfg, nil
}

// DatabaseURL resolves the Postgres DSN: DATABASE_URL verbatim when set,
// otherwise assembled from the DB_* variables. Empty means no database.
// parkctl shares this resolution so provisioning and serving agree.
func DatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		host,
		envOr("DB_PORT", "5432"),
		envOr("DB_NAME", "parking"),
		envOr("DB_USER", "postgres"),
		os.Getenv("DB_PASSWORD"),
		envOr("DB_SSLMODE", "disable"),
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// envDuration accepts Go durations ("3s", "500ms") and bare integers
// (seconds).
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
