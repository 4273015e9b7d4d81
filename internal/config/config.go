// Package config loads the server's runtime configuration: the
// MySQL connection file named on the command line, the three channel
// ports, and everything else the spec leaves as a "policy knob" via
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every environment-tunable knob. Values with sensible
// defaults use envDefault; values the operator must reason about before
// changing (thresholds, timeouts) are still given defaults matching the
// spec's documented policy knobs so the server runs out of the box.
type Config struct {
	// Channel ports, overridable by the positional CLI args (§6); these
	// env vars are the fallback when no ports are given on the command line.
	MsgPort  int `env:"ODIN_MSG_PORT" envDefault:"9001"`
	CmdPort  int `env:"ODIN_CMD_PORT" envDefault:"9002"`
	DataPort int `env:"ODIN_DATA_PORT" envDefault:"9003"`

	// Frame ceiling (§4.1).
	MaxFrameBytes int `env:"ODIN_MAX_FRAME_BYTES" envDefault:"16777216"`

	// Reactor / worker pool (§4.2, §5).
	WorkerPoolSize  int `env:"ODIN_WORKER_POOL_SIZE" envDefault:"20"`
	WorkerQueueSize int `env:"ODIN_WORKER_QUEUE_SIZE" envDefault:"2000"`

	// Connection registry heartbeat (§4.4).
	HeartbeatInterval int `env:"ODIN_HEARTBEAT_INTERVAL_SECONDS" envDefault:"60"`
	HeartbeatTimeout  int `env:"ODIN_HEARTBEAT_TIMEOUT_SECONDS" envDefault:"90"`

	// Envelope demux protocol-error policy (§4.5).
	ProtocolErrorWindowSeconds int `env:"ODIN_PROTO_ERROR_WINDOW_SECONDS" envDefault:"10"`
	ProtocolErrorMax           int `env:"ODIN_PROTO_ERROR_MAX" envDefault:"5"`

	// Verification codes (§3).
	VerificationCodeTTLSeconds int `env:"ODIN_VERI_CODE_TTL_SECONDS" envDefault:"300"`

	// File transfer (§4.8). Chunk size mirrors the original's CHUNK_SIZE
	// constant (internal/filemanager.ChunkSize) rather than being
	// operator-tunable, since it's baked into the original's wire framing.
	FileStorageRoot    string `env:"ODIN_FILE_STORAGE_ROOT" envDefault:"./data/files"`
	DownloadPaceMicros int    `env:"ODIN_DOWNLOAD_PACE_MICROS" envDefault:"5000"`

	// Relation cache (§4.9).
	RelationCacheTTLHours int `env:"ODIN_RELATION_CACHE_TTL_HOURS" envDefault:"24"`

	// Connection/action rate limiting (internal/ratelimit).
	ConnRateIPBurst     int     `env:"ODIN_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec    float64 `env:"ODIN_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobalBurst int     `env:"ODIN_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec float64 `env:"ODIN_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`
	ActionRatePerSec    float64 `env:"ODIN_ACTION_RATE_PER_SEC" envDefault:"10.0"`
	ActionRateBurst     int     `env:"ODIN_ACTION_RATE_BURST" envDefault:"100"`

	// CPU-aware admission control (internal/sysmonitor).
	CPURejectThreshold float64 `env:"ODIN_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"ODIN_CPU_PAUSE_THRESHOLD" envDefault:"85.0"`

	// Metrics / logging.
	MetricsAddr string `env:"ODIN_METRICS_ADDR" envDefault:":9100"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	// Presence bus (internal/presencebus). Empty means run the embedded,
	// loopback-only NATS core; a URL points at an external one instead.
	PresenceBusURL string `env:"ODIN_PRESENCE_BUS_URL" envDefault:""`

	// Cross-channel identity handshake (internal/auth).
	JWTSecret        string `env:"ODIN_JWT_SECRET" envDefault:"development-only-insecure-secret"`
	JWTTokenTTLSeconds int  `env:"ODIN_JWT_TOKEN_TTL_SECONDS" envDefault:"120"`
}

// StoreConfig is decoded from the JSON file named by the first positional
// CLI argument (§6: `server <mysql-config.json> ...`).
type StoreConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// DSN renders the go-sql-driver/mysql DSN gorm's mysql driver expects.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		s.User, s.Password, s.Host, s.Port, s.Database)
}

// Load reads environment variables (after an optional .env file) into a
// Config. Priority: process env > .env file > envDefault.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; fine if absent in production

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("ODIN_WORKER_POOL_SIZE must be > 0, got %d", c.WorkerPoolSize)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("ODIN_HEARTBEAT_TIMEOUT_SECONDS (%d) must exceed ODIN_HEARTBEAT_INTERVAL_SECONDS (%d)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("ODIN_CPU_PAUSE_THRESHOLD (%.1f) must be >= ODIN_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}
	return nil
}

// LoadStoreConfig decodes the MySQL connection file given on the command
// line as the first positional argument.
func LoadStoreConfig(path string) (StoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("read store config %s: %w", path, err)
	}
	var sc StoreConfig
	if err := json.Unmarshal(data, &sc); err != nil {
		return StoreConfig{}, fmt.Errorf("parse store config %s: %w", path, err)
	}
	return sc, nil
}
