// Package config loads the build monitor's runtime configuration from
// environment variables, following the same os.Getenv-plus-defaults
// pattern the rest of this codebase's ambient wiring uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every knob cmd/buildmonitor needs to wire up the core engine
// and its optional ambient collaborators.
type Config struct {
	RepoOwner     string
	RepoName      string
	GitHubBaseURL string
	GitHubToken   string

	MaxConcurrent    int
	PollInterval     time.Duration
	BuildCommand     string
	MaxBuildDuration time.Duration

	HTTPAddr string

	RedisAddr   string // empty disables leader election (single-instance mode)
	PostgresDSN string // empty disables durable seen-commit storage

	LogLevel  string
	LogFormat string
}

// Load reads Config from the process environment, applying the defaults
// named in SPEC_FULL.md §9.1. It returns an error only when a required
// variable is missing or a supplied value fails to parse or is not
// positive.
func Load() (Config, error) {
	cfg := Config{
		RepoOwner:        os.Getenv("BUILDMON_REPO_OWNER"),
		RepoName:         os.Getenv("BUILDMON_REPO_NAME"),
		GitHubBaseURL:    getenvDefault("BUILDMON_GITHUB_BASE_URL", "https://api.github.com"),
		GitHubToken:      os.Getenv("BUILDMON_GITHUB_TOKEN"),
		MaxConcurrent:    4,
		PollInterval:     30 * time.Second,
		BuildCommand:     getenvDefault("BUILDMON_BUILD_COMMAND", "true"),
		MaxBuildDuration: 30 * time.Minute,
		HTTPAddr:         getenvDefault("BUILDMON_HTTP_ADDR", ":8080"),
		RedisAddr:        os.Getenv("BUILDMON_REDIS_ADDR"),
		PostgresDSN:      os.Getenv("BUILDMON_POSTGRES_DSN"),
		LogLevel:         getenvDefault("BUILDMON_LOG_LEVEL", "info"),
		LogFormat:        getenvDefault("BUILDMON_LOG_FORMAT", "json"),
	}

	if cfg.RepoOwner == "" || cfg.RepoName == "" {
		return Config{}, fmt.Errorf("config: BUILDMON_REPO_OWNER and BUILDMON_REPO_NAME are required")
	}

	if v := os.Getenv("BUILDMON_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: BUILDMON_MAX_CONCURRENT must be a positive integer, got %q", v)
		}
		cfg.MaxConcurrent = n
	}

	if v := os.Getenv("BUILDMON_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: BUILDMON_POLL_INTERVAL must be a positive duration, got %q", v)
		}
		cfg.PollInterval = d
	}

	if v := os.Getenv("BUILDMON_MAX_BUILD_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: BUILDMON_MAX_BUILD_DURATION must be a positive duration, got %q", v)
		}
		cfg.MaxBuildDuration = d
	}

	return cfg, nil
}

// LeaderElectionEnabled reports whether enough configuration is present
// to run with Redis-backed leader election rather than as a lone
// instance.
func (c Config) LeaderElectionEnabled() bool { return c.RedisAddr != "" }

// DurableSeenStoreEnabled reports whether a Postgres DSN was supplied.
func (c Config) DurableSeenStoreEnabled() bool { return c.PostgresDSN != "" }

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
