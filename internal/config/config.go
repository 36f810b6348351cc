package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GeocodeConfig struct {
	BaseURL         string        `yaml:"base_url"`
	UserAgent       string        `yaml:"user_agent"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	Timeout         time.Duration `yaml:"timeout"`
}

type MapDataConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	FetchRetries int           `yaml:"fetch_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type RenderConfig struct {
	Workers      int           `yaml:"workers"`
	OutputDir    string        `yaml:"output_dir"`
	ThumbnailDir string        `yaml:"thumbnail_dir"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
}

type ThemesConfig struct {
	Dir string `yaml:"dir"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Geocode  GeocodeConfig  `yaml:"geocode"`
	MapData  MapDataConfig  `yaml:"map_data"`
	Render   RenderConfig   `yaml:"render"`
	Themes   ThemesConfig   `yaml:"themes"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads and validates the YAML config file.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 10
	}
	if cfg.Geocode.BaseURL == "" {
		cfg.Geocode.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if cfg.Geocode.UserAgent == "" {
		cfg.Geocode.UserAgent = "citymap-poster-service"
	}
	if cfg.Geocode.CacheTTL <= 0 {
		cfg.Geocode.CacheTTL = 30 * 24 * time.Hour
	}
	if cfg.Geocode.RateLimitWindow <= 0 {
		cfg.Geocode.RateLimitWindow = time.Minute
	}
	if cfg.Geocode.RateLimitMax <= 0 {
		cfg.Geocode.RateLimitMax = 10
	}
	if cfg.Geocode.Timeout <= 0 {
		cfg.Geocode.Timeout = 10 * time.Second
	}
	if cfg.MapData.BaseURL == "" {
		cfg.MapData.BaseURL = "https://overpass-api.de/api/interpreter"
	}
	if cfg.MapData.Timeout <= 0 {
		cfg.MapData.Timeout = 90 * time.Second
	}
	if cfg.MapData.FetchRetries <= 0 {
		cfg.MapData.FetchRetries = 3
	}
	if cfg.MapData.RetryBackoff <= 0 {
		cfg.MapData.RetryBackoff = 2 * time.Second
	}
	if cfg.Render.Workers <= 0 {
		cfg.Render.Workers = 4
	}
	if cfg.Render.OutputDir == "" {
		cfg.Render.OutputDir = "posters"
	}
	if cfg.Render.ThumbnailDir == "" {
		cfg.Render.ThumbnailDir = "thumbnails"
	}
	if cfg.Render.JobTimeout <= 0 {
		cfg.Render.JobTimeout = 10 * time.Minute
	}
	if cfg.Themes.Dir == "" {
		cfg.Themes.Dir = "themes"
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
