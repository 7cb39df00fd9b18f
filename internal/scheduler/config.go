// Package scheduler evaluates open commitments on a fixed interval and runs
// the ones that are due.
package scheduler

import (
	"math"
	"time"
)

// Config defines the scheduler configuration.
type Config struct {
	// Interval between ticks.
	Interval time.Duration `yaml:"interval"`
	// PageSize caps the open commitments fetched per tick.
	PageSize int `yaml:"page_size"`
	// Affinity is this executor's class. Commitments with a different
	// non-empty affinity are left for other executors.
	Affinity string `yaml:"affinity"`
	// DefaultTimeout applies when a commitment does not set meta.timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Agent names the configured agent used for commitments.
	Agent string `yaml:"agent"`
	// AllowedDirectories are the roots a commitment may run in. The first is
	// the fallback working directory.
	AllowedDirectories []string `yaml:"-"`
	// LedgerURL and LedgerToken are handed to the agent so it can close the
	// commitment itself.
	LedgerURL   string `yaml:"-"`
	LedgerToken string `yaml:"-"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:       60 * time.Second,
		PageSize:       10,
		Affinity:       "bridge",
		DefaultTimeout: 30 * time.Minute,
		Agent:          "claude",
	}
}

func (c *Config) normalized() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.Interval <= 0 {
		out.Interval = d.Interval
	}
	if out.PageSize <= 0 {
		out.PageSize = d.PageSize
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = d.DefaultTimeout
	}
	if out.Agent == "" {
		out.Agent = d.Agent
	}
	return &out
}

// WorkingDirectory returns meta.working_directory, or the first allowed
// directory when unset.
func (c *Config) WorkingDirectory(dir string) string {
	if dir != "" {
		return dir
	}
	if len(c.AllowedDirectories) > 0 {
		return c.AllowedDirectories[0]
	}
	return ""
}

// Timeout converts meta.timeout minutes, falling back to DefaultTimeout for
// values that are not positive or do not fit a time.Duration.
func (c *Config) Timeout(minutes float64) time.Duration {
	if minutes > 0 && minutes < math.MaxInt64/float64(time.Minute) {
		return time.Duration(minutes * float64(time.Minute))
	}
	return c.DefaultTimeout
}
