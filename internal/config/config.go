// Package config loads and validates the gateway configuration: server settings,
// upstream providers, proxy rules and per-role tool visibility documents.
package config

import (
	"time"
)

// Transports supported for upstream providers.
const (
	ProviderTransportHTTP = "http"
	ProviderTransportMCP  = "mcp"
)

// Transports supported for role server entries.
const (
	ServerTransportRemote = "remote"
	ServerTransportLocal  = "local"
)

// LocalProvider is the provider name that serves gateway-local tools.
const LocalProvider = "gateway"

// DefaultTokenParameter is the injected parameter receiving the idempotency token.
const DefaultTokenParameter = "idempotency_token"

// Config is the root gateway configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Upstream   UpstreamDefaults `mapstructure:"upstream"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Providers  []ProviderConfig `mapstructure:"providers" validate:"required,min=1,dive"`
	ProxyRules []ToolProxyRule  `mapstructure:"proxy_rules" validate:"dive"`
	Roles      []RoleToolConfig `mapstructure:"roles" validate:"dive"`
	RolesDir   string           `mapstructure:"roles_dir"`
}

// ServerConfig holds listener settings for the caller-facing surfaces.
type ServerConfig struct {
	GRPCPort string `mapstructure:"grpc_port" validate:"required,numeric"`
	HTTPPort string `mapstructure:"http_port" validate:"required,numeric"`
}

// LogConfig selects the zap log level.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// DatabaseConfig selects the persistence backend for the ledger and tool snapshots.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CacheConfig configures the upstream response cache.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend" validate:"oneof=memory redis none"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	RedisAddr  string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB    int           `mapstructure:"redis_db"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

// RegistryConfig configures the tool registry cache.
type RegistryConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// UpstreamDefaults are applied to providers that do not override them.
type UpstreamDefaults struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// AuditConfig configures the tool call event stream.
type AuditConfig struct {
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
}

// Span exporters supported by the tracing config.
const (
	TracingExporterNone   = "none"
	TracingExporterStdout = "stdout"
	TracingExporterOTLP   = "otlp"
)

// TracingConfig selects where upstream attempt spans are exported.
type TracingConfig struct {
	Exporter    string            `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string            `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure    bool              `mapstructure:"insecure"`
	Headers     map[string]string `mapstructure:"headers"`
	SampleRatio float64           `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string            `mapstructure:"service_name"`
}

// ProviderConfig describes one upstream tool provider endpoint and credential set.
type ProviderConfig struct {
	Name          string            `mapstructure:"name" validate:"required"`
	Transport     string            `mapstructure:"transport" validate:"oneof=http mcp"`
	URL           string            `mapstructure:"url" validate:"required,url"`
	TokenEnv      string            `mapstructure:"token_env"`
	Headers       map[string]string `mapstructure:"headers"`
	CallTimeout   time.Duration     `mapstructure:"call_timeout"`
	MaxAttempts   int               `mapstructure:"max_attempts" validate:"omitempty,min=1,max=10"`
	RatePerSecond float64           `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst         int               `mapstructure:"burst" validate:"gte=0"`
	ReadOnlyTools []string          `mapstructure:"read_only_tools"`
}

// ToolProxyRule wraps one upstream tool behind gateway-managed idempotency.
type ToolProxyRule struct {
	UpstreamToolName   string            `mapstructure:"upstream_tool_name" yaml:"upstream_tool_name" validate:"required"`
	ExposedToolName    string            `mapstructure:"exposed_tool_name" yaml:"exposed_tool_name" validate:"required"`
	Provider           string            `mapstructure:"provider" yaml:"provider" validate:"required"`
	InjectedParameters []string          `mapstructure:"injected_parameters" yaml:"injected_parameters"`
	TokenParameter     string            `mapstructure:"token_parameter" yaml:"token_parameter"`
	ParameterSources   map[string]string `mapstructure:"parameter_sources" yaml:"parameter_sources"`
	ReferenceFields    []string          `mapstructure:"reference_fields" yaml:"reference_fields"`
}

// RoleToolConfig lists the servers, and the tools from each, visible to one role.
type RoleToolConfig struct {
	Role    string        `mapstructure:"role" yaml:"role" validate:"required"`
	Version string        `mapstructure:"version" yaml:"version"`
	Servers []ServerEntry `mapstructure:"servers" yaml:"servers" validate:"required,min=1,dive"`
}

// ServerEntry is one provider within a role's tool configuration.
type ServerEntry struct {
	Provider    string   `mapstructure:"provider" yaml:"provider" validate:"required"`
	Transport   string   `mapstructure:"transport" yaml:"transport" validate:"oneof=remote local"`
	AllowList   []string `mapstructure:"allow_list" yaml:"allow_list"`
	ExcludeList []string `mapstructure:"exclude_list" yaml:"exclude_list"`
}

// Visible reports whether an exposed tool name passes the entry's allow/exclude lists.
func (s ServerEntry) Visible(name string) bool {
	if len(s.AllowList) > 0 {
		return contains(s.AllowList, name)
	}
	if len(s.ExcludeList) > 0 {
		return !contains(s.ExcludeList, name)
	}
	return true
}

// Provider returns the named provider config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Role returns the named role config.
func (c *Config) Role(name string) (RoleToolConfig, bool) {
	for _, r := range c.Roles {
		if r.Role == name {
			return r, true
		}
	}
	return RoleToolConfig{}, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
