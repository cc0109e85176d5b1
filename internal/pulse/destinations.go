package pulse

import (
	"context"
	"fmt"
)

// TenantDirectory looks up tenants by ID.
type TenantDirectory interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
}

// Destinations resolves channel addresses from the owning tenant, falling
// back to the globally configured address for each channel.
type Destinations struct {
	tenants  TenantDirectory
	fallback NotifyConfig
}

// Compile-time interface guard.
var _ DestinationResolver = (*Destinations)(nil)

// NewDestinations creates a resolver. tenants may be nil.
func NewDestinations(tenants TenantDirectory, fallback NotifyConfig) *Destinations {
	return &Destinations{tenants: tenants, fallback: fallback}
}

// Resolve returns the address for channel, or ErrNoDestination.
func (d *Destinations) Resolve(ctx context.Context, tenantID, channel string) (string, error) {
	var t *Tenant
	if d.tenants != nil && tenantID != "" {
		var err error
		t, err = d.tenants.GetTenant(ctx, tenantID)
		if err != nil {
			return "", fmt.Errorf("resolve %s destination: %w", channel, err)
		}
	}
	if t == nil {
		t = &Tenant{}
	}

	var own, global string
	switch channel {
	case ChannelEmail:
		own, global = t.Email, d.fallback.Email
	case ChannelSlack:
		own, global = t.SlackWebhookURL, d.fallback.SlackWebhookURL
	case ChannelWebhook:
		own, global = t.WebhookURL, d.fallback.WebhookURL
	case ChannelAlertmanager:
		own, global = t.AlertmanagerURL, d.fallback.AlertmanagerURL
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	switch {
	case own != "":
		return own, nil
	case global != "":
		return global, nil
	default:
		return "", fmt.Errorf("%w for %s (tenant %q)", ErrNoDestination, channel, tenantID)
	}
}
