// Package dispatch resolves the endpoints an event addresses and fans the
// event out to them.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/store"
)

// EndpointSource is the read side of the store the resolver needs.
type EndpointSource interface {
	ListActiveEndpoints(ctx context.Context, organizationID string) ([]delivery.Endpoint, error)
	EndpointByID(ctx context.Context, id string) (delivery.Endpoint, error)
}

// Target selects endpoints. EndpointID, when set, overrides EventType
// matching.
type Target struct {
	OrganizationID string
	EventType      string
	EndpointID     string
}

func TargetFor(ev delivery.Event) Target {
	return Target{OrganizationID: ev.OrganizationID, EventType: ev.EventType, EndpointID: ev.EndpointID}
}

type Resolver struct {
	endpoints EndpointSource
}

func NewResolver(endpoints EndpointSource) *Resolver {
	return &Resolver{endpoints: endpoints}
}

// Resolve returns the endpoints to address. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, t Target) ([]delivery.Endpoint, error) {
	if t.EndpointID != "" {
		ep, err := r.endpoints.EndpointByID(ctx, t.EndpointID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup endpoint %s: %w", t.EndpointID, err)
		}
		if ep.OrganizationID != t.OrganizationID || !ep.Active {
			return nil, nil
		}
		// explicit target: subscriptions deliberately not consulted
		return []delivery.Endpoint{ep}, nil
	}

	active, err := r.endpoints.ListActiveEndpoints(ctx, t.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints for %s: %w", t.OrganizationID, err)
	}
	var out []delivery.Endpoint
	for _, ep := range active {
		if ep.Active && ep.Subscribes(t.EventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}
