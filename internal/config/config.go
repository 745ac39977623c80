// Package config handles the node's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration, unmarshalled from the node's
// config.yaml.
type Config struct {
	// NodeName identifies this node, used to name its private network,
	// the squid proxy container, and to scope task container names.
	NodeName string `yaml:"node_name"`

	// TasksDir is the directory where per-task scratch directories and
	// file-database copies are materialized.
	TasksDir string `yaml:"task_dir"`

	// AlgorithmEnv is extra environment injected into every algorithm
	// container, merged under the task's own env (task env wins on conflict).
	AlgorithmEnv map[string]string `yaml:"algorithm_env,omitempty"`

	// AlgorithmDeviceRequests configures device passthrough (GPU) for
	// algorithm containers.
	AlgorithmDeviceRequests DeviceRequestsConfig `yaml:"algorithm_device_requests,omitempty"`

	Databases  Databases        `yaml:"databases"`
	Policies   PoliciesConfig   `yaml:"policies,omitempty"`
	Registries []RegistryConfig `yaml:"docker_registries,omitempty"`
	Proxy      ProxyWhitelist   `yaml:"whitelist,omitempty"`
	VPN        VPNConfig        `yaml:"vpn,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
}

// DeviceRequestsConfig configures GPU passthrough for algorithm containers.
type DeviceRequestsConfig struct {
	GPU bool `yaml:"gpu,omitempty"`
}

// PoliciesConfig is the admission policy set evaluated by the policy gate.
type PoliciesConfig struct {
	// AllowedAlgorithms are regex patterns matched against the requested
	// image reference. Modern replacement for AllowedImages.
	AllowedAlgorithms []string `yaml:"allowed_algorithms,omitempty"`

	// AllowedImages is the legacy regex allow-list. When AllowedAlgorithms
	// is also set, both must match (AND, not OR) - see DESIGN.md for the
	// precedence decision.
	AllowedImages []string `yaml:"allowed_images,omitempty"`

	AllowedUsers []int `yaml:"allowed_users,omitempty"`
	AllowedOrgs  []int `yaml:"allowed_organizations,omitempty"`
}

// RegistryConfig holds credentials for a private container registry.
type RegistryConfig struct {
	Server   string `yaml:"registry"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProxyWhitelist configures the squid egress proxy's allow-list.
type ProxyWhitelist struct {
	Domains []string `yaml:"domains,omitempty"`
	IPs     []string `yaml:"ips,omitempty"`
	Ports   []int    `yaml:"ports,omitempty"`
}

// VPNConfig configures the optional VPN client side-car.
type VPNConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	Image      string `yaml:"image,omitempty"`
	ConfigFile string `yaml:"config_file,omitempty"`
}

// LoggingConfig configures the node's structured logger.
type LoggingConfig struct {
	Verbose       bool   `yaml:"verbose,omitempty"`
	JSON          bool   `yaml:"json,omitempty"`
	Dir           string `yaml:"dir,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

var resultIDEnvRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads and validates the node configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.NodeName == "" {
		return nil, fmt.Errorf("node_name is required")
	}
	if cfg.TasksDir == "" {
		return nil, fmt.Errorf("task_dir is required")
	}

	for _, pattern := range cfg.Policies.AllowedAlgorithms {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("policies.allowed_algorithms: invalid pattern %q: %w", pattern, err)
		}
	}
	for _, pattern := range cfg.Policies.AllowedImages {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("policies.allowed_images: invalid pattern %q: %w", pattern, err)
		}
	}

	if cfg.VPN.Enabled && cfg.VPN.Image == "" {
		return nil, fmt.Errorf("vpn.image is required when vpn.enabled is true")
	}

	for label := range cfg.Databases.byLabel {
		if !resultIDEnvRe.MatchString(label) {
			return nil, fmt.Errorf("databases: label %q cannot be used to form a {LABEL}_DATABASE_URI environment override", label)
		}
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with the node's baseline defaults.
func DefaultConfig() *Config {
	return &Config{
		AlgorithmEnv: make(map[string]string),
		Logging: LoggingConfig{
			RetentionDays: 14,
		},
	}
}
