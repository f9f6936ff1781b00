// Package config loads formicaio's process-level configuration from
// environment variables, grounded on wisbric-nightowl's
// internal/config.Load (caarlos0/env struct-tag parsing, a Config
// struct grouped by concern, a ListenAddr-style helper).
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-driven setting formicaio needs before
// the Store/Settings record is available (data directory, bind
// addresses, CORS). Logging is controlled by cmd/formicaioctl's
// log-level/log-json flags, following the teacher's cobra pattern.
// Operator-tunable runtime behavior (polling
// intervals, auto-upgrade, rewards token) lives in types.Settings,
// persisted in the Store and reloadable via PUT /api/settings instead
// of a process restart.
type Config struct {
	// DataDir holds the bbolt database file, per spec.md §6's
	// "Single database file whose path is configurable."
	DataDir string `env:"FORMICAIO_DATA_DIR" envDefault:"./data"`

	HTTPAddr string `env:"FORMICAIO_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	McpAddr  string `env:"FORMICAIO_MCP_ADDR" envDefault:"0.0.0.0:8081"`

	// MetricsProxyAddr overrides a scraped node's metrics host, per
	// spec.md §6's METRICS_PROXY_ADDR.
	MetricsProxyAddr string `env:"METRICS_PROXY_ADDR"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// L2RpcURL and RewardsTokenAddr seed types.Settings on first boot
	// only; once persisted, PUT /api/settings is authoritative.
	L2RpcURL         string `env:"L2_RPC_URL"`
	RewardsTokenAddr string `env:"REWARDS_TOKEN_ADDR"`

	// ContainerdSocket and FormicaImageRef configure the production
	// NodeLauncher (pkg/launcher.ContainerdLauncher).
	ContainerdSocket string `env:"CONTAINERD_SOCKET" envDefault:"/run/containerd/containerd.sock"`
	FormicaImageRef  string `env:"FORMICA_IMAGE_REF" envDefault:"docker.io/autonomi/formica:latest"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
