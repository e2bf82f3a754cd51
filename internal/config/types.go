// Package config loads and validates kestrel's configuration using Viper.
// Configuration is loaded from a YAML file with environment variable
// overrides bound under the KESTREL_ prefix:
//
//	KESTREL_SERVER_LISTEN_UDP -> server.listen_udp
//	KESTREL_CACHE_MAX_ENTRIES -> cache.max_entries
//
// Configuration priority (highest to lowest):
//  1. Environment variables (KESTREL_*)
//  2. YAML config file
//  3. Hardcoded defaults
package config

// ServerConfig configures the inbound wire-protocol and DoH listeners.
type ServerConfig struct {
	ListenUDP            string `mapstructure:"listen_udp"`
	ListenTCP            string `mapstructure:"listen_tcp"`
	ListenHTTP           string `mapstructure:"listen_http"` // empty disables the inbound DoH listener
	UDPWorkersPerCore    int    `mapstructure:"udp_workers_per_core"`
	TCPIdleTimeoutSec    int    `mapstructure:"tcp_idle_timeout_seconds"`
	TCPMaxQueriesPerConn int    `mapstructure:"tcp_max_queries_per_conn"`
	QueryTimeoutSeconds  int    `mapstructure:"query_timeout_seconds"`
}

// AdminConfig configures the management HTTP API (health, Prometheus
// metrics, metrics snapshot, cache status and flush, system stats).
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	APIKey  string `mapstructure:"api_key"` // optional; empty disables X-API-Key enforcement
}

// CacheConfig configures the response cache's capacity and TTL clamping.
type CacheConfig struct {
	MaxEntries         int `mapstructure:"max_entries"`
	MinTTLSeconds      int `mapstructure:"min_ttl_seconds"`
	MaxTTLSeconds      int `mapstructure:"max_ttl_seconds"`
	NegativeTTLSeconds int `mapstructure:"negative_ttl_seconds"`
}

// HTTPClientConfig configures the single shared client used for every
// outbound DoH request (SPEC_FULL §4.7).
type HTTPClientConfig struct {
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	IdleTimeoutSeconds    int    `mapstructure:"idle_timeout_seconds"`
	UserAgent             string `mapstructure:"user_agent"`
}

// UpstreamServerConfig is one DoH endpoint within an upstream group.
type UpstreamServerConfig struct {
	Name        string `mapstructure:"name"`
	URL         string `mapstructure:"url"`
	Method      string `mapstructure:"method"`       // "get" or "post"
	ContentType string `mapstructure:"content_type"`  // "message" or "json"
	Weight      int    `mapstructure:"weight"`
	AuthUser    string `mapstructure:"auth_user"`
	AuthPass    string `mapstructure:"auth_pass"`
	AuthBearer  string `mapstructure:"auth_bearer"`
}

// UpstreamGroupConfig is a named, load-balanced set of upstream servers.
type UpstreamGroupConfig struct {
	Name              string                 `mapstructure:"name"`
	Strategy          string                 `mapstructure:"strategy"` // "round_robin", "weighted", "random"
	Servers           []UpstreamServerConfig `mapstructure:"servers"`
	Proxy             string                 `mapstructure:"proxy"`
	RetryAttempts     int                    `mapstructure:"retry_attempts"`
	RetryDelaySeconds int                    `mapstructure:"retry_delay_seconds"`
}

// StaticRuleConfig is one entry of the configured static rule list.
type StaticRuleConfig struct {
	Kind    string `mapstructure:"kind"`   // "exact", "wildcard", "regex"
	Pattern string `mapstructure:"pattern"`
	Action  string `mapstructure:"action"` // "block", "forward"
	Group   string `mapstructure:"group"`
}

// RemoteRuleConfig is one remote v2ray-format rule feed.
type RemoteRuleConfig struct {
	ID                string `mapstructure:"id"`
	URL               string `mapstructure:"url"`
	Action            string `mapstructure:"action"`
	Group             string `mapstructure:"group"`
	Proxy             string `mapstructure:"proxy"`
	AuthUser          string `mapstructure:"auth_user"`
	AuthPass          string `mapstructure:"auth_pass"`
	AuthBearer        string `mapstructure:"auth_bearer"`
	MaxSizeBytes      int64  `mapstructure:"max_size_bytes"`
	RetryAttempts     int    `mapstructure:"retry_attempts"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
	RefreshSeconds    int    `mapstructure:"refresh_seconds"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// StoreConfig configures the sqlite-backed persistence layer.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the root configuration structure.
type Config struct {
	Server         ServerConfig           `mapstructure:"server"`
	Admin          AdminConfig            `mapstructure:"admin"`
	Cache          CacheConfig            `mapstructure:"cache"`
	HTTPClient     HTTPClientConfig       `mapstructure:"http_client"`
	UpstreamGroups []UpstreamGroupConfig  `mapstructure:"upstream_groups"`
	StaticRules    []StaticRuleConfig     `mapstructure:"static_rules"`
	RemoteRules    []RemoteRuleConfig     `mapstructure:"remote_rules"`
	Logging        LoggingConfig          `mapstructure:"logging"`
	Store          StoreConfig            `mapstructure:"store"`
}
