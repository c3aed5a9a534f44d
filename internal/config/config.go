package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cgm-ingest/internal/logging"
)

// Sink names accepted in ingest.sinks and export.target/source.
const (
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkNone     = "none"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	LibreLink LibreLinkConfig `mapstructure:"librelink"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Range     RangeConfig     `mapstructure:"range"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Export    ExportConfig    `mapstructure:"export"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Report    ReportConfig    `mapstructure:"report"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LibreLinkConfig covers the LibreLinkUp follower API.
type LibreLinkConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Email          string        `mapstructure:"email"`
	Password       string        `mapstructure:"password"`
	Version        string        `mapstructure:"version"`
	Product        string        `mapstructure:"product"`
	PatientID      string        `mapstructure:"patient_id"`
	Timezone       string        `mapstructure:"timezone"`
	Unit           string        `mapstructure:"unit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig encapsulates the document store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RangeConfig defines the target glucose range.
type RangeConfig struct {
	Low    float64       `mapstructure:"low"`
	High   float64       `mapstructure:"high"`
	Unit   string        `mapstructure:"unit"`
	Window time.Duration `mapstructure:"window"`
}

// IngestConfig governs ingestion runs and watch cadence.
type IngestConfig struct {
	Sinks           []string      `mapstructure:"sinks"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ExportConfig sets incremental export behaviour.
type ExportConfig struct {
	Source          string `mapstructure:"source"`
	Target          string `mapstructure:"target"`
	StateFile       string `mapstructure:"state_file"`
	OutputFile      string `mapstructure:"output_file"`
	PageSize        int    `mapstructure:"page_size"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines low time-in-range alerts.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	TargetPct float64        `mapstructure:"target_pct"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ReportConfig sets CSV/PNG report behaviour.
type ReportConfig struct {
	MaxDataPoints int           `mapstructure:"max_data_points"`
	DefaultSpan   time.Duration `mapstructure:"default_span"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CGMINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads ./.env when present; variables already set in the process win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat .env: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cgm-ingest")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("librelink.base_url", "https://api-eu2.libreview.io")
	v.SetDefault("librelink.email", "")
	v.SetDefault("librelink.password", "")
	v.SetDefault("librelink.patient_id", "")
	v.SetDefault("librelink.version", "4.7.0")
	v.SetDefault("librelink.product", "llu.android")
	v.SetDefault("librelink.timezone", "Europe/London")
	v.SetDefault("librelink.unit", "mmol/L")
	v.SetDefault("librelink.request_timeout", "15s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "glucose_reading")

	v.SetDefault("range.low", 3.5)
	v.SetDefault("range.high", 8.5)
	v.SetDefault("range.unit", "mmol/L")
	v.SetDefault("range.window", "23h")

	v.SetDefault("ingest.sinks", []string{SinkPostgres})
	v.SetDefault("ingest.interval", "5m")
	v.SetDefault("ingest.align_to_bucket", true)
	v.SetDefault("ingest.startup_delay", "0s")
	v.SetDefault("ingest.advisory_lock_key", int64(0x63676d69))

	v.SetDefault("export.source", SinkRedis)
	v.SetDefault("export.target", SinkNone)
	v.SetDefault("export.state_file", "export_state.json")
	v.SetDefault("export.output_file", "glucose_readings_export.bson")
	v.SetDefault("export.page_size", 1000)
	// Shared with ingest: postgres created_at is the transaction start, so an export must not
	// overlap a write still in flight.
	v.SetDefault("export.advisory_lock_key", int64(0x63676d69))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.target_pct", 70.0)
	v.SetDefault("alerting.cooldown", "2h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("report.max_data_points", 2000)
	v.SetDefault("report.default_span", "336h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Range.High < c.Range.Low {
		return fmt.Errorf("range.high must not be below range.low")
	}
	if c.Range.Low < 0 {
		return fmt.Errorf("range.low cannot be negative")
	}
	if c.Range.Window <= 0 {
		return fmt.Errorf("range.window must be greater than zero")
	}
	if c.Ingest.Interval <= 0 {
		return fmt.Errorf("ingest.interval must be greater than zero")
	}
	for _, sink := range c.Ingest.Sinks {
		if sink != SinkPostgres && sink != SinkRedis {
			return fmt.Errorf("ingest.sinks: unknown sink %q", sink)
		}
	}
	if c.Export.PageSize <= 0 {
		return fmt.Errorf("export.page_size must be greater than zero")
	}
	if c.Export.Source != SinkPostgres && c.Export.Source != SinkRedis {
		return fmt.Errorf("export.source must be %q or %q", SinkPostgres, SinkRedis)
	}
	switch c.Export.Target {
	case SinkPostgres, SinkRedis, SinkNone, "":
	default:
		return fmt.Errorf("export.target: unknown target %q", c.Export.Target)
	}
	if c.Export.Target == c.Export.Source {
		return fmt.Errorf("export.target must differ from export.source")
	}
	if c.Export.StateFile == "" {
		return fmt.Errorf("export.state_file is required")
	}
	if c.Report.MaxDataPoints <= 0 {
		return fmt.Errorf("report.max_data_points must be greater than zero")
	}
	if c.Alerting.TargetPct < 0 || c.Alerting.TargetPct > 100 {
		return fmt.Errorf("alerting.target_pct must be within [0, 100]")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// HasSink reports whether ingestion writes to the named sink.
func (c *Config) HasSink(name string) bool {
	for _, sink := range c.Ingest.Sinks {
		if sink == name {
			return true
		}
	}
	return false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Report.MaxDataPoints
}
