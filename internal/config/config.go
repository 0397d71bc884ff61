// Package config loads the shared YAML configuration used by the gateway,
// indexer, and reporter binaries, with environment-variable overrides for
// secrets that should never live in a checked-in file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	WebhookPort  string        `yaml:"webhook_port"`
	GatewayPort  string        `yaml:"gateway_port"`
	MetricsPort  string        `yaml:"metrics_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	QueueGroup string        `yaml:"queue_group"`
}

type ChainConfig struct {
	RPCURL            string `yaml:"rpc_url"`
	OperatorContract  string `yaml:"operator_contract"`
	ControllerKeyPath string `yaml:"controller_key_path"`
	ChainID           int64  `yaml:"chain_id"`
	GenesisMs         int64  `yaml:"genesis_ms"`
}

type GatewayConfig struct {
	DNSRoot          string            `yaml:"dns_root"`
	LegacyDomain     string            `yaml:"legacy_domain"`
	MarketingSiteURL string            `yaml:"marketing_site_url"`
	BotTokens        map[string]string `yaml:"bot_tokens"`
	EnforceQuota     bool              `yaml:"enforce_quota"`
	ClientCacheTTL   int               `yaml:"client_cache_ttl_seconds"`
	CSPExtraOrigins  []string          `yaml:"csp_extra_origins"`
	ShutdownGrace    time.Duration     `yaml:"shutdown_grace"`
}

type WebhookConfig struct {
	SecretHeader string `yaml:"secret_header"`
	Secret       string `yaml:"secret"`
}

type SanctionsConfig struct {
	BaseURL          string        `yaml:"base_url"`
	TokenURL         string        `yaml:"token_url"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	BatchSize        int           `yaml:"batch_size"`
	StaleThreshold   time.Duration `yaml:"stale_threshold"`
}

type SubgraphConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type AnalyticsConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type ReporterConfig struct {
	CronSchedule            string  `yaml:"cron_schedule"`
	DefaultLockupPeriodDays int     `yaml:"default_lockup_period_days"`
	DefaultRatePerTiB       string  `yaml:"default_rate_per_tib"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Chain     ChainConfig     `yaml:"chain"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Sanctions SanctionsConfig `yaml:"sanctions"`
	Subgraph  SubgraphConfig  `yaml:"subgraph"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Reporter  ReporterConfig  `yaml:"reporter"`
	Logging   LoggingConfig   `yaml:"logging"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort:  "8080",
			GatewayPort:  "8081",
			MetricsPort:  "9090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "filbeam",
			Database:        "filbeam",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			CacheTTL:   5 * time.Minute,
			QueueGroup: "filbeam",
		},
		Chain: ChainConfig{
			GenesisMs: 1598306400000,
		},
		Gateway: GatewayConfig{
			DNSRoot:        "filbeam.io",
			LegacyDomain:   "filcdn.io",
			EnforceQuota:   true,
			ClientCacheTTL: 86400,
			ShutdownGrace:  10 * time.Second,
		},
		Webhook: WebhookConfig{
			SecretHeader: "X-FilBeam-Webhook-Secret",
		},
		Sanctions: SanctionsConfig{
			BatchSize:      50,
			StaleThreshold: 24 * time.Hour,
		},
		Reporter: ReporterConfig{
			CronSchedule:            "@hourly",
			DefaultLockupPeriodDays: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file into Default() and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("CHAIN_OPERATOR_CONTRACT"); v != "" {
		cfg.Chain.OperatorContract = v
	}
	if v := os.Getenv("CHAIN_CONTROLLER_KEY_PATH"); v != "" {
		cfg.Chain.ControllerKeyPath = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("SANCTIONS_CLIENT_SECRET"); v != "" {
		cfg.Sanctions.ClientSecret = v
	}
}

// Watcher holds the live, atomically-swappable Config loaded from path,
// kept current by a background fsnotify watch. The gateway binary reads
// through it so `gateway.bot_tokens`/`gateway.dns_root` edits take effect
// without a process restart (§9 "dynamic config objects").
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	log     logr.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher loads path once, then starts a background goroutine that
// re-parses it on every fsnotify write/create event and swaps the
// pointer Current returns. The caller must call Close when done.
func NewWatcher(path string, log logr.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	w := &Watcher{path: path, log: log, watcher: fw}
	w.current.Store(cfg)
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops the background fsnotify watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Error(err, "reloading config file, keeping previous version", "path", w.path)
				continue
			}
			w.current.Store(cfg)
			w.log.Info("reloaded config file", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error(err, "config watcher error")
		}
	}
}
