package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns sensible defaults for the orchestrator configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Store: StoreConfig{
			MaxConns: 10,
		},
		Queue: QueueConfig{
			ReconnectMinDelay: time.Second,
			ReconnectMaxDelay: 30 * time.Second,
		},
		Prometheus: PrometheusConfig{
			QueryTimeout: 10 * time.Second,
		},
		Images: ImagesConfig{
			StagingDir: "/var/lib/slices/images",
			MaxSizeGiB: 1,
		},
	}
}

// Load reads the orchestrator configuration from a YAML file and applies
// defaults for any unset fields.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Store.DSN == "" {
		return cfg, fmt.Errorf("store.dsn is required")
	}
	if cfg.Queue.URL == "" {
		return cfg, fmt.Errorf("queue.url is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return cfg, fmt.Errorf("auth.jwt_secret is required")
	}
	if cfg.Prometheus.URL == "" {
		return cfg, fmt.Errorf("prometheus.url is required")
	}

	for name, zone := range cfg.Zones {
		if len(zone.Workers) == 0 {
			return cfg, fmt.Errorf("zone %q: workers list must not be empty", name)
		}
		switch name {
		case "linux":
			if zone.LinuxAgent == nil {
				return cfg, fmt.Errorf("zone %q: linux_agent config is required", name)
			}
		case "openstack":
			if zone.OpenStack == nil {
				return cfg, fmt.Errorf("zone %q: openstack config is required", name)
			}
		default:
			return cfg, fmt.Errorf("zone %q: unknown zone name (expected \"linux\" or \"openstack\")", name)
		}
	}

	return cfg, nil
}
