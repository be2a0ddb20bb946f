// Package config loads ambient orchestrator settings (metrics exposure,
// default log level/format) from the environment, supplementing the CLI's
// own --verbose/--debug/--workspace/--mode flags rather than replacing them.
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Env holds every environment-variable-driven setting, decoded with
// envdecode's struct tags.
type Env struct {
	LogLevel  string `env:"REACTIVE_TOOLS_LOG_LEVEL,default=warning"`
	LogFormat string `env:"REACTIVE_TOOLS_LOG_FORMAT,default=text"`

	MetricsEnabled bool   `env:"REACTIVE_TOOLS_METRICS_ENABLED,default=false"`
	MetricsAddr    string `env:"REACTIVE_TOOLS_METRICS_ADDR,default=:9090"`
}

// Load reads a .env file from the current directory (if present) and
// decodes REACTIVE_TOOLS_* environment variables over the defaults above.
// A missing .env file is not an error; godotenv.Load only fails loudly on
// malformed files.
func Load() (*Env, error) {
	if err := godotenv.Load(); err != nil && !isFileNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	env := &Env{}
	if err := envdecode.Decode(env); err != nil {
		// envdecode errors when no tagged field was actually present in the
		// environment; treat that as "defaults only" so local runs work
		// without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return env, nil
}

func isFileNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory") || strings.Contains(err.Error(), "cannot find the file")
}
