package internal

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName is the name used for config directories and env prefixes
	DefaultAppName        = "cdxs"
	DefaultEnvPrefix      = strings.ToUpper(DefaultAppName)
	DefaultConfigPath     = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultLocalEnvFile   = ".env"
	DefaultLogLevel       = "info"
	DefaultIndexDriver    = "libsql"
	DefaultIndexDatabase  = "brozzler"
	DefaultIndexTable     = "captures"
	DefaultIndexServer    = "libsql://localhost:8080"
	DefaultMaxOpenConns   = 8
	DefaultMaxIdleConns   = 4
	DefaultConnMaxIdleSec = 300
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// GetLeveledLogger returns GetLogger filtered at the named level. Unknown
// level names fall back to info.
func GetLeveledLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return GetLogger().Level(lvl)
}
