// SPDX-License-Identifier: MIT

// Package poireauconfig resolves the library's process-wide configuration
// from the environment, in the same functional-options style the
// teacher's profiler package uses for its config struct: a private
// `config` built from defaults, then mutated by Option closures, with
// environment fallback parsed once at load time.
package poireauconfig

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
)

// DefaultPeriodBytes is the mean sample spacing when
// POIREAU_SAMPLE_PERIOD_BYTES is unset or invalid: 2^25 bytes (32 MiB).
const DefaultPeriodBytes = 1 << 25

const (
	envPeriod = "POIREAU_SAMPLE_PERIOD_BYTES"
	envQuiet  = "POIREAU_QUIET"
)

// Config is the resolved, immutable-after-load process configuration.
type Config struct {
	PeriodBytes float64
	Quiet       bool
}

// Option mutates a Config under construction; used by tests to override
// what Load would otherwise read from the environment.
type Option func(*Config)

// WithPeriod overrides the sample period resolved from the environment.
func WithPeriod(bytes float64) Option {
	return func(c *Config) { c.PeriodBytes = bytes }
}

// WithQuiet overrides the quiet-mode flag resolved from the environment.
// Options are applied after the environment has been parsed, so WithQuiet
// does not suppress a diagnostic that parsing has already written.
func WithQuiet(quiet bool) Option {
	return func(c *Config) { c.Quiet = quiet }
}

// Load resolves the configuration from the environment, then applies
// opts on top. It is intended to be called exactly once, from the
// library constructor, since it may write one diagnostic line to stderr
// — acceptable there because the constructor runs before any
// async-signal-safety constraint applies (see spec.md §5).
func Load(stderr io.Writer, opts ...Option) Config {
	cfg := Config{
		PeriodBytes: DefaultPeriodBytes,
		Quiet:       os.Getenv(envQuiet) != "",
	}

	if raw := os.Getenv(envPeriod); raw != "" {
		period, err := strconv.ParseFloat(raw, 64)
		switch {
		case err != nil || math.IsNaN(period) || math.IsInf(period, 0) || period <= 0:
			if !cfg.Quiet {
				fmt.Fprintf(stderr, "libpoireau: invalid %s=%q, falling back to default %d bytes\n",
					envPeriod, raw, DefaultPeriodBytes)
			}
		default:
			cfg.PeriodBytes = period
		}
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
