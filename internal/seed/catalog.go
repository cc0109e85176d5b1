// Package seed loads a YAML catalog of tenants, endpoints and alert rules
// into the pulse store, optionally reloading it when the file changes.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/HerbHall/pulsewatch/internal/pulse"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCatalog wraps structural problems found while loading a catalog.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is the on-disk shape of a seed file.
type Catalog struct {
	Tenants   []TenantSpec   `yaml:"tenants"`
	Endpoints []EndpointSpec `yaml:"endpoints"`
}

// TenantSpec declares a tenant and its notification destinations.
type TenantSpec struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Email           string `yaml:"email"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	WebhookURL      string `yaml:"webhook_url"`
	AlertmanagerURL string `yaml:"alertmanager_url"`
}

// EndpointSpec declares an endpoint with its rules nested beneath it.
type EndpointSpec struct {
	ID              string            `yaml:"id"`
	Tenant          string            `yaml:"tenant"`
	Name            string            `yaml:"name"`
	URL             string            `yaml:"url"`
	IntervalSeconds int               `yaml:"interval_seconds"`
	TimeoutMs       int               `yaml:"timeout_ms"`
	Headers         map[string]string `yaml:"headers"`
	Active          *bool             `yaml:"active"`
	Rules           []RuleSpec        `yaml:"rules"`
}

// RuleSpec declares an alert rule. Threshold is free-form YAML converted to
// the JSON threshold payload the rule type expects.
type RuleSpec struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type"`
	Threshold any      `yaml:"threshold"`
	Channels  []string `yaml:"channels"`
	Active    *bool    `yaml:"active"`
}

// Default endpoint settings applied when a spec leaves them unset.
const (
	DefaultIntervalSeconds = pulse.MinIntervalSeconds
	DefaultTimeoutMs       = 5000
)

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	tenants := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("%w: tenant without id", ErrInvalidCatalog)
		}
		if tenants[t.ID] {
			return fmt.Errorf("%w: duplicate tenant %q", ErrInvalidCatalog, t.ID)
		}
		tenants[t.ID] = true
	}

	endpoints := make(map[string]bool, len(c.Endpoints))
	rules := make(map[string]bool)
	for _, e := range c.Endpoints {
		if e.ID == "" {
			return fmt.Errorf("%w: endpoint without id", ErrInvalidCatalog)
		}
		if endpoints[e.ID] {
			return fmt.Errorf("%w: duplicate endpoint %q", ErrInvalidCatalog, e.ID)
		}
		endpoints[e.ID] = true
		if !tenants[e.Tenant] {
			return fmt.Errorf("%w: endpoint %q references unknown tenant %q", ErrInvalidCatalog, e.ID, e.Tenant)
		}
		for _, r := range e.Rules {
			if r.ID == "" {
				return fmt.Errorf("%w: rule without id on endpoint %q", ErrInvalidCatalog, e.ID)
			}
			if rules[r.ID] {
				return fmt.Errorf("%w: duplicate rule %q", ErrInvalidCatalog, r.ID)
			}
			rules[r.ID] = true
		}
	}
	return nil
}

func (e *EndpointSpec) endpoint() pulse.Endpoint {
	ep := pulse.Endpoint{
		ID:              e.ID,
		TenantID:        e.Tenant,
		Name:            e.Name,
		URL:             e.URL,
		IntervalSeconds: e.IntervalSeconds,
		TimeoutMs:       e.TimeoutMs,
		Headers:         e.Headers,
		Active:          e.Active == nil || *e.Active,
	}
	if ep.Name == "" {
		ep.Name = e.ID
	}
	if ep.IntervalSeconds == 0 {
		ep.IntervalSeconds = DefaultIntervalSeconds
	}
	if ep.TimeoutMs == 0 {
		ep.TimeoutMs = DefaultTimeoutMs
	}
	return ep
}

func (r *RuleSpec) rule(endpointID string) (pulse.AlertRule, error) {
	threshold, err := json.Marshal(r.Threshold)
	if err != nil {
		return pulse.AlertRule{}, fmt.Errorf("%w: rule %q threshold: %v", ErrInvalidCatalog, r.ID, err)
	}
	rule := pulse.AlertRule{
		ID:         r.ID,
		EndpointID: endpointID,
		Type:       pulse.RuleType(r.Type),
		Threshold:  threshold,
		Active:     r.Active == nil || *r.Active,
		Channels:   r.Channels,
	}
	if _, err := rule.Condition(); err != nil {
		return pulse.AlertRule{}, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return rule, nil
}

// Store is the subset of the pulse store the loader writes to.
type Store interface {
	UpsertTenant(ctx context.Context, t *pulse.Tenant) error
	UpsertEndpoint(ctx context.Context, e *pulse.Endpoint) error
	UpsertRule(ctx context.Context, r *pulse.AlertRule) error
}

var _ Store = (*pulse.PulseStore)(nil)

// Stats counts what Apply wrote.
type Stats struct {
	Tenants   int `json:"tenants"`
	Endpoints int `json:"endpoints"`
	Rules     int `json:"rules"`
}

// Apply upserts the catalog into store. It is idempotent: re-applying the
// same catalog leaves the store unchanged apart from updated_at stamps.
// Rule trigger history survives reloads.
func (c *Catalog) Apply(ctx context.Context, store Store) (Stats, error) {
	var st Stats
	for _, ts := range c.Tenants {
		t := pulse.Tenant{
			ID:              ts.ID,
			Name:            ts.Name,
			Email:           ts.Email,
			SlackWebhookURL: ts.SlackWebhookURL,
			WebhookURL:      ts.WebhookURL,
			AlertmanagerURL: ts.AlertmanagerURL,
		}
		if err := store.UpsertTenant(ctx, &t); err != nil {
			return st, fmt.Errorf("seed tenant %s: %w", ts.ID, err)
		}
		st.Tenants++
	}

	for i := range c.Endpoints {
		spec := &c.Endpoints[i]
		ep := spec.endpoint()
		if err := store.UpsertEndpoint(ctx, &ep); err != nil {
			return st, fmt.Errorf("seed endpoint %s: %w", spec.ID, err)
		}
		st.Endpoints++

		for j := range spec.Rules {
			rule, err := spec.Rules[j].rule(spec.ID)
			if err != nil {
				return st, err
			}
			if err := store.UpsertRule(ctx, &rule); err != nil {
				return st, fmt.Errorf("seed rule %s: %w", rule.ID, err)
			}
			st.Rules++
		}
	}
	return st, nil
}
