package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Cache  CacheConfig  `yaml:"cache" mapstructure:"cache"`
	Fetch  FetchConfig  `yaml:"fetch" mapstructure:"fetch"`
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
	Demo   DemoConfig   `yaml:"demo" mapstructure:"demo"`
}

// CacheConfig configures the artifact cache.
type CacheConfig struct {
	Dir        string `yaml:"dir" mapstructure:"dir"`
	TTLMinutes int    `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
	KeyLock    bool   `yaml:"key_lock" mapstructure:"key_lock"`
}

// TTL returns the expiry for time-sensitive cached origins.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// FetchConfig configures origin downloads.
type FetchConfig struct {
	TimeoutSecs        int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries         int     `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent          string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec         float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	InsecureSkipVerify bool    `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// EngineConfig configures the statistics engine.
type EngineConfig struct {
	Workers         int      `yaml:"workers" mapstructure:"workers"`
	PercentageFloor float64  `yaml:"percentage_floor" mapstructure:"percentage_floor"`
	DefaultMaskExpr string   `yaml:"default_mask_expr" mapstructure:"default_mask_expr"`
	OverlayExclude  []string `yaml:"overlay_exclude" mapstructure:"overlay_exclude"`
	DefaultStats    []string `yaml:"default_stats" mapstructure:"default_stats"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port                  int `yaml:"port" mapstructure:"port"`
	MaxBodyMB             int `yaml:"max_body_mb" mapstructure:"max_body_mb"`
	ReadHeaderTimeoutSecs int `yaml:"read_header_timeout_secs" mapstructure:"read_header_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DemoConfig is the sample request served by GET /demo.
type DemoConfig struct {
	GeoTIFFURL string `yaml:"geotiff_url" mapstructure:"geotiff_url"`
	ZonesURL   string `yaml:"zones_url" mapstructure:"zones_url"`
	GroupBy    string `yaml:"group_by" mapstructure:"group_by"`
}

const (
	demoGeoTIFF = "https://mongolia.sibelius-datacube.org:5000/?service=WCS&request=GetCoverage&version=1.0.0" +
		"&coverage=ModisAnomaly&crs=EPSG%3A4326&bbox=86.5%2C36.7%2C119.7%2C55.3&width=1196&height=672" +
		"&format=GeoTIFF&time=2020-03-01"
	demoZones = "https://prism-admin-boundaries.s3.us-east-2.amazonaws.com/mng_admin_boundaries.json"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ZONAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("cache.dir", "/cache")
	v.SetDefault("cache.ttl_minutes", 30)
	v.SetDefault("cache.key_lock", true)
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.user_agent", "zonal-stats/1.0")
	v.SetDefault("fetch.rate_per_sec", 20)
	v.SetDefault("fetch.insecure_skip_verify", false)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.percentage_floor", 0.005)
	v.SetDefault("engine.default_mask_expr", "A*(B==1)")
	v.SetDefault("engine.overlay_exclude", []string{"Uncertainty Cones"})
	v.SetDefault("engine.default_stats", []string{"min", "max", "mean", "median"})
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_mb", 50)
	v.SetDefault("server.read_header_timeout_secs", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("demo.geotiff_url", demoGeoTIFF)
	v.SetDefault("demo.zones_url", demoZones)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by mode ("serve" or "stats").
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.MaxBodyMB <= 0 {
			errs = append(errs, "server.max_body_mb must be > 0")
		}
	case "stats":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Cache.Dir == "" {
		errs = append(errs, "cache.dir is required")
	}
	if c.Cache.TTLMinutes < 0 {
		errs = append(errs, "cache.ttl_minutes must be >= 0")
	}
	if c.Engine.Workers < 1 || c.Engine.Workers > 64 {
		errs = append(errs, "engine.workers must be between 1 and 64")
	}
	if c.Engine.PercentageFloor < 0 || c.Engine.PercentageFloor > 1 {
		errs = append(errs, "engine.percentage_floor must be between 0 and 1")
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, "fetch.max_retries must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
