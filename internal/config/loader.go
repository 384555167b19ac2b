package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
)

// EnvPrefix is the prefix for environment overrides, e.g. TOOL_GATEWAY_SERVER_GRPC_PORT.
const EnvPrefix = "TOOL_GATEWAY"

// Load reads the config file at path (optional), applies environment overrides and
// defaults, loads role documents from RolesDir, normalizes and validates the result.
// Every failure is a ConfigurationError.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tool-gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tool-gateway")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, gatewayerr.Wrap(gatewayerr.KindConfiguration, err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindConfiguration, err, "decode config")
	}

	if cfg.RolesDir != "" {
		roles, err := LoadRoleDir(cfg.RolesDir)
		if err != nil {
			return nil, err
		}
		cfg.Roles = append(cfg.Roles, roles...)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", "50054")
	v.SetDefault("server.http_port", "8084")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:tool-gateway.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.key_prefix", "tool-gateway:")
	v.SetDefault("registry.ttl", 5*time.Minute)
	v.SetDefault("registry.fetch_timeout", 10*time.Second)
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.call_timeout", 30*time.Second)
	v.SetDefault("upstream.initial_backoff", 200*time.Millisecond)
	v.SetDefault("upstream.max_backoff", 5*time.Second)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "tool-gateway")
}

// LoadRoleDir parses every *.yaml / *.yml document in dir as a RoleToolConfig.
// Documents are returned in file name order.
func LoadRoleDir(dir string) ([]RoleToolConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindConfiguration, err, "read roles dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	roles := make([]RoleToolConfig, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindConfiguration, err, "read role document %s", name)
		}
		role, err := ParseRole(data)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindConfiguration, err, "parse role document %s", name)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// ParseRole decodes a single role document. Unknown keys are rejected.
func ParseRole(data []byte) (RoleToolConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var role RoleToolConfig
	if err := dec.Decode(&role); err != nil {
		return RoleToolConfig{}, fmt.Errorf("ParseRole: %w", err)
	}
	return role, nil
}

// Normalize fills per-entry defaults that validation relies on.
func (c *Config) Normalize() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Transport == "" {
			p.Transport = ProviderTransportHTTP
		}
		if p.MaxAttempts == 0 {
			p.MaxAttempts = c.Upstream.MaxAttempts
		}
		if p.CallTimeout == 0 {
			p.CallTimeout = c.Upstream.CallTimeout
		}
	}
	for i := range c.ProxyRules {
		r := &c.ProxyRules[i]
		if r.TokenParameter == "" {
			r.TokenParameter = DefaultTokenParameter
		}
		if !contains(r.InjectedParameters, r.TokenParameter) {
			r.InjectedParameters = append([]string{r.TokenParameter}, r.InjectedParameters...)
		}
	}
	for i := range c.Roles {
		for j := range c.Roles[i].Servers {
			s := &c.Roles[i].Servers[j]
			if s.Transport == "" {
				if s.Provider == LocalProvider {
					s.Transport = ServerTransportLocal
				} else {
					s.Transport = ServerTransportRemote
				}
			}
		}
	}
}
