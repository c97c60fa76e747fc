package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/econn/internal/econn"
)

// Config is the process-wide configuration: HTTP server settings plus the
// two econn timer durations.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	TimeoutSetup time.Duration `mapstructure:"timeout_setup"`
	TimeoutTerm  time.Duration `mapstructure:"timeout_term"`
}

// EconnConfig projects the timer settings onto econn.Config.
func (c *Config) EconnConfig() econn.Config {
	return econn.Config{
		TimeoutSetup: c.TimeoutSetup,
		TimeoutTerm:  c.TimeoutTerm,
	}
}

// Loader owns the viper instance so hot-reload callbacks can re-unmarshal
// into a fresh Config on every file change.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cur *Config
}

func Load() (*Loader, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("timeout_setup", "30s")
	v.SetDefault("timeout_term", "5s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("loaded config")
	}

	l := &Loader{v: v}
	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()

	return l, nil
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Current returns the most recently loaded Config. Safe for concurrent use.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Watch enables hot-reload: on every config file write, the file is
// re-parsed and onChange is invoked with the new Config. Parse failures are
// logged and the previous Config is kept in place.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.unmarshal()
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("config reload failed, keeping previous values")
			return
		}
		l.mu.Lock()
		l.cur = cfg
		l.mu.Unlock()
		log.Info().Str("file", e.Name).Msg("config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}
