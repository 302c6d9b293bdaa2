// ============================================================================
// fieldsync 配置
// ============================================================================
//
// 載入順序（後者覆蓋前者）:
//   1. Default()            內建預設值
//   2. YAML 檔案（可選）     gopkg.in/yaml.v3，時間欄位使用 "5m"、"15s" 格式
//   3. 環境變數              前綴 FIELDSYNC_，例如 FIELDSYNC_SYNC_INTERVAL=1m
//
// 範例:
//
//	sync:
//	  interval: 5m
//	  max_retries: 3
//	  backoff: [1s, 5s, 15s]
//	store:
//	  driver: sqlite
//	  dir: ./data
//	server:
//	  base_url: https://factory.example.com
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴；欄位名以 split_words 轉為 FIELDSYNC_<SECTION>_<FIELD>
const EnvPrefix = "fieldsync"

var ErrInvalidConfig = errors.New("invalid config")

// SyncConfig 同步排程
type SyncConfig struct {
	Interval        time.Duration   `yaml:"interval" split_words:"true"`
	SubmitTimeout   time.Duration   `yaml:"submit_timeout" split_words:"true"`
	MaxRetries      int             `yaml:"max_retries" split_words:"true"`
	Backoff         []time.Duration `yaml:"backoff" split_words:"true"`
	RetainCompleted int             `yaml:"retain_completed" split_words:"true"`
	MaxBatch        int             `yaml:"max_batch" split_words:"true"`
	RetryWakeups    bool            `yaml:"retry_wakeups" split_words:"true"`
}

// StoreConfig 本地持久化
type StoreConfig struct {
	Driver     string `yaml:"driver" split_words:"true"` // file | sqlite
	Dir        string `yaml:"dir" split_words:"true"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
}

// JournalConfig 同步日誌
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled" split_words:"true"`
	Path          string        `yaml:"path" split_words:"true"`
	BufferSize    int           `yaml:"buffer_size" split_words:"true"`
	FlushInterval time.Duration `yaml:"flush_interval" split_words:"true"`
	RotateAfter   uint64        `yaml:"rotate_after" split_words:"true"`
}

// ServerConfig 遠端後端
type ServerConfig struct {
	BaseURL  string        `yaml:"base_url" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout" split_words:"true"`
	DeviceID string        `yaml:"device_id" split_words:"true"`
}

// NetworkConfig 連線偵測
type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url" split_words:"true"`
	ProbeInterval time.Duration `yaml:"probe_interval" split_words:"true"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" split_words:"true"`
	Metered       bool          `yaml:"metered" split_words:"true"`
}

// AdminConfig 本機管理 HTTP 介面
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
}

type LogConfig struct {
	Level string `yaml:"level" split_words:"true"` // debug | info | warn | error
}

// Config 完整配置
type Config struct {
	Sync    SyncConfig    `yaml:"sync" split_words:"true"`
	Store   StoreConfig   `yaml:"store" split_words:"true"`
	Journal JournalConfig `yaml:"journal" split_words:"true"`
	Server  ServerConfig  `yaml:"server" split_words:"true"`
	Network NetworkConfig `yaml:"network" split_words:"true"`
	Admin   AdminConfig   `yaml:"admin" split_words:"true"`
	Metrics MetricsConfig `yaml:"metrics" split_words:"true"`
	Log     LogConfig     `yaml:"log" split_words:"true"`
}

// Default 內建預設值
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:        5 * time.Minute,
			SubmitTimeout:   30 * time.Second,
			MaxRetries:      3,
			Backoff:         []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
			RetainCompleted: 50,
			RetryWakeups:    true,
		},
		Store: StoreConfig{
			Driver: "file",
			Dir:    "./data",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "./data/journal.log",
			BufferSize:    64,
			FlushInterval: time.Second,
			RotateAfter:   10000,
		},
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Network: NetworkConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info"},
	}
}

// Load 依序套用預設值、YAML 檔案（path 為空時略過）與環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查欄位範圍
func (c *Config) Validate() error {
	var problems []string

	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.SubmitTimeout <= 0 {
		problems = append(problems, "sync.submit_timeout must be positive")
	}
	if c.Sync.MaxRetries < 1 {
		problems = append(problems, "sync.max_retries must be at least 1")
	}
	if len(c.Sync.Backoff) == 0 {
		problems = append(problems, "sync.backoff needs at least one delay")
	}
	for i, d := range c.Sync.Backoff {
		if d < 0 {
			problems = append(problems, fmt.Sprintf("sync.backoff[%d] must not be negative", i))
		}
		if i > 0 && d < c.Sync.Backoff[i-1] {
			problems = append(problems, "sync.backoff must be non-decreasing")
			break
		}
	}
	if c.Sync.RetainCompleted < 0 {
		problems = append(problems, "sync.retain_completed must not be negative")
	}
	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not file or sqlite", c.Store.Driver))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		problems = append(problems, "journal.path is required when the journal is enabled")
	}
	if c.Server.BaseURL == "" {
		problems = append(problems, "server.base_url is required")
	}
	if c.Network.ProbeURL != "" && c.Network.ProbeInterval <= 0 {
		problems = append(problems, "network.probe_interval must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel 將 log.level 轉為 slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not debug, info, warn or error", s)
	}
}
