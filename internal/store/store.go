// Package store defines persistence for endpoints and delivery attempts.
// Backends live in the postgres and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

var ErrNotFound = errors.New("not found")

// AttemptFilter narrows ListAttempts. Zero values mean no constraint.
type AttemptFilter struct {
	EndpointID string
	EventType  string
	FailedOnly bool
	Limit      int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store is the full persistence surface used by dispatch, retry and the
// audit API.
type Store interface {
	delivery.Recorder

	// ListActiveEndpoints returns the active endpoints of an organization.
	ListActiveEndpoints(ctx context.Context, organizationID string) ([]delivery.Endpoint, error)
	// EndpointByID returns ErrNotFound for unknown ids. Inactive endpoints are
	// returned as-is.
	EndpointByID(ctx context.Context, id string) (delivery.Endpoint, error)
	// RecentFailures returns failed attempts with since <= attempted_at < before,
	// oldest first, at most limit rows.
	RecentFailures(ctx context.Context, since, before time.Time, limit int) ([]delivery.Attempt, error)
	// ListAttempts returns attempts newest first.
	ListAttempts(ctx context.Context, f AttemptFilter) ([]delivery.Attempt, error)

	CreateEndpoint(ctx context.Context, ep *delivery.Endpoint) error
	SetEndpointActive(ctx context.Context, id string, active bool) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func (f AttemptFilter) LimitOrDefault() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}
