package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	internal "github.com/seweissman/brozzler/cdxs"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Index IndexConfig `mapstructure:"index"`
	Log   LogConfig   `mapstructure:"log"`
}

// IndexConfig stores the connection details of the capture index.
type IndexConfig struct {
	Servers        []string `mapstructure:"servers"`
	Database       string   `mapstructure:"database"`
	Table          string   `mapstructure:"table"`
	Driver         string   `mapstructure:"driver"`
	AuthToken      string   `mapstructure:"authToken"`
	MaxOpenConns   int      `mapstructure:"maxOpenConns"`
	MaxIdleConns   int      `mapstructure:"maxIdleConns"`
	ConnMaxIdleSec int      `mapstructure:"connMaxIdleSec"`
	ConnMaxLifeSec int      `mapstructure:"connMaxLifeSec"`
}

// LogConfig stores logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory, when present, is loaded into the
// process environment first.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(internal.DefaultLocalEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", internal.DefaultLocalEnvFile, err)
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("index.servers", []string{internal.DefaultIndexServer})
	v.SetDefault("index.database", internal.DefaultIndexDatabase)
	v.SetDefault("index.table", internal.DefaultIndexTable)
	v.SetDefault("index.driver", internal.DefaultIndexDriver)
	v.SetDefault("index.authToken", "")
	v.SetDefault("index.maxOpenConns", internal.DefaultMaxOpenConns)
	v.SetDefault("index.maxIdleConns", internal.DefaultMaxIdleConns)
	v.SetDefault("index.connMaxIdleSec", internal.DefaultConnMaxIdleSec)
	v.SetDefault("index.connMaxLifeSec", 0)
	v.SetDefault("log.level", internal.DefaultLogLevel)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // index.database becomes CDXS_INDEX_DATABASE
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	cfg.Index.Servers = splitServers(cfg.Index.Servers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

// Validate reports the first missing or out-of-range setting.
func (c *Config) Validate() error {
	if len(c.Index.Servers) == 0 {
		return fmt.Errorf("index.servers cannot be empty")
	}
	if strings.TrimSpace(c.Index.Database) == "" {
		return fmt.Errorf("index.database cannot be empty")
	}
	if strings.TrimSpace(c.Index.Table) == "" {
		return fmt.Errorf("index.table cannot be empty")
	}
	if strings.TrimSpace(c.Index.Driver) == "" {
		return fmt.Errorf("index.driver cannot be empty")
	}
	if c.Index.MaxOpenConns < 0 || c.Index.MaxIdleConns < 0 || c.Index.ConnMaxIdleSec < 0 || c.Index.ConnMaxLifeSec < 0 {
		return fmt.Errorf("index pool settings must not be negative")
	}
	return nil
}

// splitServers accepts both list values and comma separated strings, the
// latter being what environment variables produce.
func splitServers(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
