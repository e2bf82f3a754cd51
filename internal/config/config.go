package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from path (if non-empty) with environment
// overrides and hardcoded defaults, then validates it.
func Load(path string) (*Config, error) {
	v, err := initViper(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}

	if err := normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_udp", "0.0.0.0:53")
	v.SetDefault("server.listen_tcp", "0.0.0.0:53")
	v.SetDefault("server.listen_http", "")
	v.SetDefault("server.udp_workers_per_core", 4)
	v.SetDefault("server.tcp_idle_timeout_seconds", 10)
	v.SetDefault("server.tcp_max_queries_per_conn", 100)
	v.SetDefault("server.query_timeout_seconds", 4)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.listen", "127.0.0.1:8080")
	v.SetDefault("admin.api_key", "")

	v.SetDefault("cache.max_entries", 20000)
	v.SetDefault("cache.min_ttl_seconds", 1)
	v.SetDefault("cache.max_ttl_seconds", 86400)
	v.SetDefault("cache.negative_ttl_seconds", 60)

	v.SetDefault("http_client.connect_timeout_seconds", 3)
	v.SetDefault("http_client.request_timeout_seconds", 5)
	v.SetDefault("http_client.idle_timeout_seconds", 90)
	v.SetDefault("http_client.user_agent", "kestrel-dns/1.0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)

	v.SetDefault("store.path", "kestrel.db")
}

// normalize fills in derived values and enforces the structural
// invariants config decoding alone cannot (cache bounds, unique group
// names, method/dialect combinations, non-negative weights). Listen
// addresses and ports are not checked here, and a weight of 0 (also what
// an omitted weight decodes to) is accepted; the weighted balancer treats
// it as 1. Invariants about rule/feed target
// groups and rule pattern syntax are enforced by internal/rules.Build
// when the loaded configuration is compiled into a snapshot.
func normalize(cfg *Config) error {
	if cfg.Cache.MaxEntries <= 0 {
		return errors.New("config: cache.max_entries must be positive")
	}
	if cfg.Cache.MinTTLSeconds < 0 || cfg.Cache.MaxTTLSeconds <= 0 || cfg.Cache.MinTTLSeconds > cfg.Cache.MaxTTLSeconds {
		return errors.New("config: cache.min_ttl_seconds must be >= 0 and <= cache.max_ttl_seconds")
	}
	if cfg.Cache.NegativeTTLSeconds <= 0 {
		return errors.New("config: cache.negative_ttl_seconds must be positive")
	}

	if len(cfg.UpstreamGroups) == 0 {
		return errors.New("config: at least one upstream group is required")
	}
	seen := make(map[string]struct{}, len(cfg.UpstreamGroups))
	for _, g := range cfg.UpstreamGroups {
		if g.Name == "" {
			return errors.New("config: upstream group with empty name")
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("config: duplicate upstream group name %q", g.Name)
		}
		seen[g.Name] = struct{}{}

		if len(g.Servers) == 0 {
			return fmt.Errorf("config: upstream group %q has no servers", g.Name)
		}
		for _, s := range g.Servers {
			if s.URL == "" {
				return fmt.Errorf("config: upstream group %q has a server with no url", g.Name)
			}
			method := strings.ToLower(s.Method)
			if method != "" && method != "get" && method != "post" {
				return fmt.Errorf("config: upstream group %q server %q: method must be get or post", g.Name, s.Name)
			}
			contentType := strings.ToLower(s.ContentType)
			if contentType != "" && contentType != "message" && contentType != "json" {
				return fmt.Errorf("config: upstream group %q server %q: content_type must be message or json", g.Name, s.Name)
			}
			if contentType == "json" && method == "post" {
				return fmt.Errorf("config: upstream group %q server %q: content_type=json is incompatible with method=post", g.Name, s.Name)
			}
			if s.Weight < 0 {
				return fmt.Errorf("config: upstream group %q server %q: weight must not be negative", g.Name, s.Name)
			}
		}
	}

	for _, r := range cfg.StaticRules {
		if strings.EqualFold(r.Action, "forward") && r.Group == "" {
			return errors.New("config: static rule with action=forward must name a group")
		}
	}
	for _, f := range cfg.RemoteRules {
		if f.ID == "" {
			return errors.New("config: remote rule feed with empty id")
		}
		if strings.EqualFold(f.Action, "forward") && f.Group == "" {
			return fmt.Errorf("config: remote rule feed %q has action=forward but no group", f.ID)
		}
	}

	return nil
}

// GroupNames returns the set of configured upstream group names, used to
// validate rule/feed Forward targets when compiling a rules.Snapshot.
func (c *Config) GroupNames() map[string]struct{} {
	out := make(map[string]struct{}, len(c.UpstreamGroups))
	for _, g := range c.UpstreamGroups {
		out[g.Name] = struct{}{}
	}
	return out
}
