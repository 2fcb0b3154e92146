package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// RelayConfig holds one moq-relay node's settings (spec §6). Defaults
// come from the environment; LoadRelay additionally accepts a
// YAML file to overlay them, for deployments that prefer a config file
// over flags/env.
type RelayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPAddr   string `yaml:"http_addr"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`

	AuthKeyPath string `yaml:"auth_key"`

	ClusterConnect   string `yaml:"cluster_connect"`
	ClusterToken     string `yaml:"cluster_token"`
	ClusterAdvertise string `yaml:"cluster_advertise"`
	ClusterPrefix    string `yaml:"cluster_prefix"`

	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
}

// LoadRelay reads defaults from the environment, then overlays a YAML
// file at yamlPath if one is given (empty path skips the overlay).
func LoadRelay(yamlPath string) (*RelayConfig, error) {
	cfg := &RelayConfig{
		ListenAddr:       getEnv("MOQ_LISTEN_ADDR", ":4443"),
		HTTPAddr:         getEnv("MOQ_HTTP_ADDR", ":4080"),
		TLSCert:          getEnv("MOQ_TLS_CERT", ""),
		TLSKey:           getEnv("MOQ_TLS_KEY", ""),
		AuthKeyPath:      getEnv("MOQ_AUTH_KEY", ""),
		ClusterConnect:   getEnv("MOQ_CLUSTER_CONNECT", ""),
		ClusterToken:     getEnv("MOQ_CLUSTER_TOKEN", ""),
		ClusterAdvertise: getEnv("MOQ_CLUSTER_ADVERTISE", ""),
		ClusterPrefix:    getEnv("MOQ_CLUSTER_PREFIX", "internal/origins"),
		AdminUsername:    getEnv("MOQ_ADMIN_USERNAME", ""),
		AdminPassword:    getEnv("MOQ_ADMIN_PASSWORD", ""),
	}

	if yamlPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", yamlPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
	}
	return cfg, nil
}
