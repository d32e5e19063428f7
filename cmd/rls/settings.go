package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Settings holds process level options for the CLI. Policy data lives in a
// separate configuration file loaded by rls.ConfigLoader.
type Settings struct {
	Config string        `mapstructure:"config"`
	Addr   string        `mapstructure:"addr"`
	Store  StoreSettings `mapstructure:"store"`
	Redis  RedisSettings `mapstructure:"redis"`
	Log    LogSettings   `mapstructure:"log"`
	Eval   EvalSettings  `mapstructure:"eval"`
}

// StoreSettings selects the persistence backend.
type StoreSettings struct {
	Driver string `mapstructure:"driver"` // memory or sqlite
	DSN    string `mapstructure:"dsn"`
}

// RedisSettings enables the shared decision cache and membership store when
// Addr is set.
type RedisSettings struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	Memberships bool   `mapstructure:"memberships"`
}

type LogSettings struct {
	Format string `mapstructure:"format"` // phuslu or slog
	Level  string `mapstructure:"level"`
}

type EvalSettings struct {
	Dialect string `mapstructure:"dialect"`
}

// LoadSettings applies precedence flags > env > settings file > defaults and
// returns the file used, if any.
func LoadSettings(explicitPath string) (*Settings, string, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := explicitPath
	if path == "" {
		for _, candidate := range []string{"rls.yaml", "rls.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, path, fmt.Errorf("reading settings file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, path, fmt.Errorf("unmarshaling settings: %w", err)
	}
	switch s.Store.Driver {
	case "memory", "sqlite":
	default:
		return nil, path, fmt.Errorf("store.driver must be memory or sqlite, got %q", s.Store.Driver)
	}
	return &s, path, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")
	v.SetDefault("addr", ":8080")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "file:rls.db?_pragma=busy_timeout(5000)")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.memberships", false)
	v.SetDefault("log.format", "phuslu")
	v.SetDefault("log.level", "info")
	v.SetDefault("eval.dialect", "postgres")
}
