package config

import (
	"strings"
	"time"

	"github.com/kestrel-dns/kestrel/internal/doh"
	"github.com/kestrel-dns/kestrel/internal/rules"
	"github.com/kestrel-dns/kestrel/internal/upstream"
)

// ToStaticRules converts the configured static rule list to the rules
// package's compilation input.
func (c *Config) ToStaticRules() ([]rules.StaticRule, error) {
	out := make([]rules.StaticRule, 0, len(c.StaticRules))
	for _, r := range c.StaticRules {
		kind, err := parseKind(r.Kind)
		if err != nil {
			return nil, err
		}
		action, err := parseAction(r.Action)
		if err != nil {
			return nil, err
		}
		out = append(out, rules.StaticRule{Kind: kind, Pattern: r.Pattern, Action: action, Group: r.Group})
	}
	return out, nil
}

// ToFeeds converts the configured remote rule feeds to the rules
// package's feed descriptor.
func (c *Config) ToFeeds() ([]rules.Feed, error) {
	out := make([]rules.Feed, 0, len(c.RemoteRules))
	for _, f := range c.RemoteRules {
		action, err := parseAction(f.Action)
		if err != nil {
			return nil, err
		}
		out = append(out, rules.Feed{
			ID:             f.ID,
			URL:            f.URL,
			Action:         action,
			Group:          f.Group,
			Proxy:          f.Proxy,
			AuthUser:       f.AuthUser,
			AuthPass:       f.AuthPass,
			AuthBearer:     f.AuthBearer,
			MaxSizeBytes:   f.MaxSizeBytes,
			RetryAttempts:  f.RetryAttempts,
			RetryDelay:     f.RetryDelaySeconds,
			RefreshSeconds: f.RefreshSeconds,
		})
	}
	return out, nil
}

func parseKind(s string) (rules.Kind, error) {
	switch strings.ToLower(s) {
	case "exact":
		return rules.KindExact, nil
	case "wildcard":
		return rules.KindWildcard, nil
	case "regex":
		return rules.KindRegex, nil
	default:
		return 0, badValueErr("static_rules[].kind", s)
	}
}

func parseAction(s string) (rules.Action, error) {
	switch strings.ToLower(s) {
	case "block":
		return rules.Block, nil
	case "forward":
		return rules.Forward, nil
	default:
		return 0, badValueErr("action", s)
	}
}

// ToUpstreamGroups builds one upstream.Group per configured group. Groups
// without a proxy share the client base; a group with a proxy gets its own
// client from base.WithProxy.
func (c *Config) ToUpstreamGroups(base *doh.Client) ([]*upstream.Group, error) {
	groups := make([]*upstream.Group, 0, len(c.UpstreamGroups))
	for _, gc := range c.UpstreamGroups {
		strategy, err := parseStrategy(gc.Strategy)
		if err != nil {
			return nil, err
		}
		servers := make([]upstream.Server, 0, len(gc.Servers))
		for _, sc := range gc.Servers {
			method := upstream.MethodGet
			if strings.EqualFold(sc.Method, "post") {
				method = upstream.MethodPost
			}
			dialect := upstream.DialectMessage
			if strings.EqualFold(sc.ContentType, "json") {
				dialect = upstream.DialectJSON
			}
			servers = append(servers, upstream.Server{
				Name: sc.Name, URL: sc.URL, Method: method, Dialect: dialect, Weight: sc.Weight,
				AuthUser: sc.AuthUser, AuthPass: sc.AuthPass, AuthBearer: sc.AuthBearer,
			})
		}

		dialer := upstream.Dialer(base)
		if gc.Proxy != "" {
			proxied, err := base.WithProxy(gc.Proxy)
			if err != nil {
				return nil, err
			}
			dialer = proxied
		}

		g, err := upstream.NewGroup(gc.Name, servers, strategy, upstream.RetryPolicy{
			MaxAttempts:  gc.RetryAttempts,
			InitialDelay: time.Duration(gc.RetryDelaySeconds) * time.Second,
		}, dialer)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func parseStrategy(s string) (upstream.Strategy, error) {
	switch strings.ToLower(s) {
	case "", "round_robin":
		return upstream.StrategyRoundRobin, nil
	case "weighted":
		return upstream.StrategyWeighted, nil
	case "random":
		return upstream.StrategyRandom, nil
	default:
		return 0, badValueErr("upstream_groups[].strategy", s)
	}
}

// ToHTTPClient builds the single shared DoH client every group's dialer
// derives from.
func (c *Config) ToHTTPClient() *doh.Client {
	return doh.New(doh.Config{
		ConnectTimeout: time.Duration(c.HTTPClient.ConnectTimeoutSeconds) * time.Second,
		RequestTimeout: time.Duration(c.HTTPClient.RequestTimeoutSeconds) * time.Second,
		IdleTimeout:    time.Duration(c.HTTPClient.IdleTimeoutSeconds) * time.Second,
		UserAgent:      c.HTTPClient.UserAgent,
	})
}

func badValueErr(field, value string) error {
	return &InvalidValueError{Field: field, Value: value}
}

// InvalidValueError reports an unrecognized enum-like configuration value.
type InvalidValueError struct {
	Field string
	Value string
}

func (e *InvalidValueError) Error() string {
	return "config: invalid value " + e.Value + " for " + e.Field
}
