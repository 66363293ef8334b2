package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務設定，對應 configs/default.yaml
type Config struct {
	Server struct {
		HTTPAddr          string        `yaml:"http_addr"`
		GRPCAddr          string        `yaml:"grpc_addr"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	} `yaml:"server"`

	Timers struct {
		TickInterval time.Duration `yaml:"tick_interval"`
		MaxSeconds   int64         `yaml:"max_seconds"`
	} `yaml:"timers"`

	Hub struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"hub"`

	Store struct {
		Driver           string        `yaml:"driver"` // none, memory, file, wal, sqlite, postgres, mysql
		DSN              string        `yaml:"dsn"`
		Path             string        `yaml:"path"`              // file and wal drivers
		Encoding         string        `yaml:"encoding"`          // file driver: json or cbor
		SyncOnAppend     bool          `yaml:"sync_on_append"`    // wal driver
		CompactThreshold int           `yaml:"compact_threshold"` // wal driver
		Table            string        `yaml:"table"`             // sql drivers
		OpTimeout        time.Duration `yaml:"op_timeout"`
		RestoreTimeout   time.Duration `yaml:"restore_timeout"`
		Workers          int           `yaml:"workers"`
		QueueSize        int           `yaml:"queue_size"`
	} `yaml:"store"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 回傳預設設定
func DefaultConfig() *Config {
	var cfg Config
	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.GRPCAddr = ":50051"
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Server.HeartbeatInterval = 15 * time.Second
	cfg.Timers.TickInterval = time.Second
	cfg.Timers.MaxSeconds = 86400
	cfg.Hub.BufferSize = 64
	cfg.Store.Driver = "none"
	cfg.Store.Path = "data/timers.json"
	cfg.Store.Encoding = "json"
	cfg.Store.CompactThreshold = 4096
	cfg.Store.Table = "timer_durations"
	cfg.Store.OpTimeout = 3 * time.Second
	cfg.Store.RestoreTimeout = 5 * time.Second
	cfg.Store.Workers = 4
	cfg.Store.QueueSize = 256
	cfg.Metrics.Enabled = true
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig 讀取 YAML 設定；檔案不存在時使用預設值。
// 檔案中未出現的欄位保留預設值。
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var storeDrivers = map[string]bool{
	"none": true, "memory": true, "file": true, "wal": true,
	"sqlite": true, "sqlite3": true, "postgres": true, "postgresql": true, "mysql": true,
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Server.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("server.heartbeat_interval must be positive"))
	}
	if c.Timers.TickInterval <= 0 {
		errs = append(errs, errors.New("timers.tick_interval must be positive"))
	}
	if c.Timers.MaxSeconds <= 0 {
		errs = append(errs, errors.New("timers.max_seconds must be positive"))
	}
	if c.Hub.BufferSize <= 0 {
		errs = append(errs, errors.New("hub.buffer_size must be positive"))
	}

	driver := strings.ToLower(c.Store.Driver)
	if !storeDrivers[driver] {
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	switch driver {
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file driver"))
		}
		if c.Store.Encoding != "json" && c.Store.Encoding != "cbor" {
			errs = append(errs, fmt.Errorf("store.encoding %q must be json or cbor", c.Store.Encoding))
		}
	case "wal":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the wal driver"))
		}
		if c.Store.CompactThreshold < 0 {
			errs = append(errs, errors.New("store.compact_threshold must not be negative"))
		}
	case "sqlite", "sqlite3", "postgres", "postgresql", "mysql":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s driver", driver))
		}
	}
	if c.Store.OpTimeout <= 0 {
		errs = append(errs, errors.New("store.op_timeout must be positive"))
	}
	if c.Store.RestoreTimeout <= 0 {
		errs = append(errs, errors.New("store.restore_timeout must be positive"))
	}
	if c.Store.Workers <= 0 || c.Store.QueueSize <= 0 {
		errs = append(errs, errors.New("store.workers and store.queue_size must be positive"))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// newLogger 依設定建立 slog logger
func newLogger(c *Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// clientAddr 將 ":50051" 之類的監聽位址轉為可連線的位址
func clientAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
