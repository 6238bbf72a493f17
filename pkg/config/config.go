// Package config provides configuration loading for the workspace services.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the job API and the job proxy.
type Config struct {
	// Listen addresses.
	APIAddr   string
	ProxyAddr string

	// Shared cache backing the job store, locks, and the event feed.
	RedisURL string

	// Job store.
	JobPrefix  string
	JobTTL     time.Duration
	JobRefresh time.Duration

	// Workspace handoff.
	WorkspaceSecret string
	WorkspaceHost   string

	// Material installation.
	SecretKey    string
	HostDataPath string

	// Container construction.
	Seccomp             string
	InternetForAll      bool
	UserFirewallAllowed map[string]string

	// Provisioning.
	Attempts       int
	RetryBackoff   time.Duration
	AttemptTimeout time.Duration
	LockLease      time.Duration

	// Logging.
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from the environment, applying defaults for
// every knob.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("API_ADDR", ":4000")
	v.SetDefault("PROXY_ADDR", ":4001")
	v.SetDefault("REDIS_URL", "redis://cache:6379/0")
	v.SetDefault("DOCKER_JOB_PREFIX", "dojo:docker_job:")
	v.SetDefault("DOCKER_JOB_TTL", 900)
	v.SetDefault("WORKSPACE_JOB_REFRESH", 3)
	v.SetDefault("WORKSPACE_SECRET", "")
	v.SetDefault("WORKSPACE_HOST", "")
	v.SetDefault("SECRET_KEY", "")
	v.SetDefault("HOST_DATA_PATH", "/data")
	v.SetDefault("SECCOMP", "/etc/seccomp.json")
	v.SetDefault("INTERNET_FOR_ALL", false)
	v.SetDefault("USER_FIREWALL_ALLOWED", "")
	v.SetDefault("PROVISION_ATTEMPTS", 3)
	v.SetDefault("PROVISION_RETRY_BACKOFF", 2)
	v.SetDefault("PROVISION_ATTEMPT_TIMEOUT", 300)
	v.SetDefault("DOCKER_LOCK_LEASE", 20)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", true)

	cfg := &Config{
		APIAddr:         v.GetString("API_ADDR"),
		ProxyAddr:       v.GetString("PROXY_ADDR"),
		RedisURL:        v.GetString("REDIS_URL"),
		JobPrefix:       v.GetString("DOCKER_JOB_PREFIX"),
		JobTTL:          time.Duration(v.GetInt("DOCKER_JOB_TTL")) * time.Second,
		JobRefresh:      time.Duration(v.GetInt("WORKSPACE_JOB_REFRESH")) * time.Second,
		WorkspaceSecret: v.GetString("WORKSPACE_SECRET"),
		WorkspaceHost:   v.GetString("WORKSPACE_HOST"),
		SecretKey:       v.GetString("SECRET_KEY"),
		HostDataPath:    v.GetString("HOST_DATA_PATH"),
		Seccomp:         v.GetString("SECCOMP"),
		InternetForAll:  v.GetBool("INTERNET_FOR_ALL"),
		Attempts:        v.GetInt("PROVISION_ATTEMPTS"),
		RetryBackoff:    time.Duration(v.GetInt("PROVISION_RETRY_BACKOFF")) * time.Second,
		AttemptTimeout:  time.Duration(v.GetInt("PROVISION_ATTEMPT_TIMEOUT")) * time.Second,
		LockLease:       time.Duration(v.GetInt("DOCKER_LOCK_LEASE")) * time.Second,
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogJSON:         v.GetBool("LOG_JSON"),
	}

	// USER_FIREWALL_ALLOWED is a JSON object of hostname to IP.
	if raw := v.GetString("USER_FIREWALL_ALLOWED"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.UserFirewallAllowed); err != nil {
			return nil, fmt.Errorf("failed to parse USER_FIREWALL_ALLOWED: %w", err)
		}
	}

	return cfg, nil
}
