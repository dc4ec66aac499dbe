// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads the host settings from dotenv files and the process
// environment. Variables set in the environment take precedence over the
// files.
//
//	WEAVE_LOG_LEVEL=debug
//	WEAVE_LOG_FORMAT=json
//	WEAVE_WORKERS=8
//	WEAVE_SHUTDOWN_TIMEOUT=15s
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/deep-rent/weave/log"
	"github.com/joho/godotenv"
)

// Recognized variables.
const (
	KeyLogLevel         = "WEAVE_LOG_LEVEL"
	KeyLogFormat        = "WEAVE_LOG_FORMAT"
	KeyLogSource        = "WEAVE_LOG_SOURCE"
	KeyWorkers          = "WEAVE_WORKERS"
	KeyShutdownTimeout  = "WEAVE_SHUTDOWN_TIMEOUT"
	KeyMetricsNamespace = "WEAVE_METRICS_NAMESPACE"
)

// DefaultFile is read by Load if no files are given. It is optional.
const DefaultFile = ".env"

// Default values.
const (
	DefaultWorkers          = 0 // one per CPU
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultMetricsNamespace = "weave"
)

// Config holds the host settings.
type Config struct {
	LogLevel  slog.Level
	LogFormat log.Format
	LogSource bool
	// Workers caps the number of concurrently running background handlers.
	// Zero means one per CPU.
	Workers          int
	ShutdownTimeout  time.Duration
	MetricsNamespace string
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		LogLevel:         log.DefaultLevel,
		LogFormat:        log.DefaultFormat,
		LogSource:        log.DefaultAddSource,
		Workers:          DefaultWorkers,
		ShutdownTimeout:  DefaultShutdownTimeout,
		MetricsNamespace: DefaultMetricsNamespace,
	}
}

// Load reads the given dotenv files, overlays the process environment and
// parses the result. Without files, DefaultFile is read if it exists.
func Load(files ...string) (*Config, error) {
	vars, err := read(files)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{
		KeyLogLevel,
		KeyLogFormat,
		KeyLogSource,
		KeyWorkers,
		KeyShutdownTimeout,
		KeyMetricsNamespace,
	} {
		if v, ok := os.LookupEnv(key); ok {
			vars[key] = v
		}
	}
	return FromMap(vars)
}

func read(files []string) (map[string]string, error) {
	if len(files) > 0 {
		vars, err := godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("read env files: %w", err)
		}
		return vars, nil
	}
	vars, err := godotenv.Read(DefaultFile)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", DefaultFile, err)
	}
	return vars, nil
}

// Parse reads dotenv-formatted variables from r, ignoring the process
// environment.
func Parse(r io.Reader) (*Config, error) {
	vars, err := godotenv.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return FromMap(vars)
}

// FromMap builds a Config from a set of variables. Blank or missing
// variables keep their default; invalid ones are reported together.
func FromMap(vars map[string]string) (*Config, error) {
	cfg := Default()
	var errs []error
	get := func(key string) (string, bool) {
		v := strings.TrimSpace(vars[key])
		return v, v != ""
	}

	if v, ok := get(KeyLogLevel); ok {
		level, err := log.ParseLevel(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
		}
		cfg.LogLevel = level
	}
	if v, ok := get(KeyLogFormat); ok {
		format, err := log.ParseFormat(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeyLogFormat, err))
		}
		cfg.LogFormat = format
	}
	if v, ok := get(KeyLogSource); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", KeyLogSource, v))
		}
		cfg.LogSource = b
	}
	if v, ok := get(KeyWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid worker count %q", KeyWorkers, v))
		} else {
			cfg.Workers = n
		}
	}
	if v, ok := get(KeyShutdownTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", KeyShutdownTimeout, v))
		} else {
			cfg.ShutdownTimeout = d
		}
	}
	if v, ok := get(KeyMetricsNamespace); ok {
		cfg.MetricsNamespace = v
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Logger creates a logger that writes to w according to the configuration.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return log.New(
		log.WithLevel(c.LogLevel),
		log.WithFormat(c.LogFormat),
		log.WithAddSource(c.LogSource),
		log.WithWriter(w),
	)
}
