// Package config mirrors the teacher's setup/config layout: one file per
// component config struct, each with Defaults(DefaultOpts) and
// Verify(*ConfigErrors) methods, plus the shared primitives every component
// config depends on (DatabaseOptions, ConfigErrors, DataUnit).
package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultOpts controls how Defaults() fills in a fresh config: Generate is
// set when producing a brand-new config file (so it's fine to invent a
// sqlite connection string), SingleDatabase is set when every component
// config should share one connection string rather than mint its own.
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// ConfigErrors accumulates human-readable problems found by Verify so every
// component can report its own errors without aborting on the first one.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func (e ConfigErrors) Error() string {
	return strings.Join(e, "\n")
}

func checkNotEmpty(errs *ConfigErrors, key, value string) {
	if value == "" {
		errs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(errs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		errs.Add(fmt.Sprintf("config key %q must be positive, got %d", key, value))
	}
}

// DatabaseOptions configures a single object-store connection, mirroring
// the teacher's per-component Database field (see config_mediaapi.go).
type DatabaseOptions struct {
	ConnectionString string `yaml:"connection_string"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
}

func (d *DatabaseOptions) Defaults() {
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = 10
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = 2
	}
}

func (d *DatabaseOptions) Verify(errs *ConfigErrors, key string) {
	checkNotEmpty(errs, key+".connection_string", d.ConnectionString)
	checkPositive(errs, key+".max_open_conns", int64(d.MaxOpenConns))
	checkPositive(errs, key+".max_idle_conns", int64(d.MaxIdleConns))
}

// DataUnit is a byte count, used for cache sizing the same way the teacher's
// media_api.max_file_size_bytes is a plain int64 under the hood.
type DataUnit int64

// CacheOptions configures internal/caching's ristretto-backed partitions,
// grounded on the teacher's Global.Cache block (see
// contrib/dendrite-demo-embedded/config.go's EstimatedMaxSize/MaxAge use).
type CacheOptions struct {
	EstimatedMaxSize DataUnit `yaml:"max_size_estimated"`
	MaxAge           string   `yaml:"max_age"`
}

func (c *CacheOptions) Defaults() {
	if c.EstimatedMaxSize == 0 {
		c.EstimatedMaxSize = DataUnit(32 * 1024 * 1024)
	}
	if c.MaxAge == "" {
		c.MaxAge = "10m"
	}
}

func (c *CacheOptions) Verify(errs *ConfigErrors, key string) {
	checkPositive(errs, key+".max_size_estimated", int64(c.EstimatedMaxSize))
	if _, err := time.ParseDuration(c.MaxAge); err != nil {
		errs.Add(fmt.Sprintf("invalid duration for config key %q: %s", key+".max_age", c.MaxAge))
	}
}
