// Package postgres is the production store backend, on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. Close releases it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS harbor`,
	`CREATE TABLE IF NOT EXISTS harbor.webhook_endpoints (
		id                TEXT PRIMARY KEY,
		organization_id   TEXT NOT NULL,
		url               TEXT NOT NULL,
		secret            TEXT NOT NULL DEFAULT '',
		active            BOOLEAN NOT NULL DEFAULT TRUE,
		event_types       TEXT[] NOT NULL DEFAULT '{}',
		last_triggered_at TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS harbor.webhook_deliveries (
		id              TEXT PRIMARY KEY,
		endpoint_id     TEXT NOT NULL REFERENCES harbor.webhook_endpoints(id) ON DELETE CASCADE,
		organization_id TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         JSON NOT NULL,
		status_code     INTEGER NOT NULL,
		response_body   TEXT NOT NULL DEFAULT '',
		success         BOOLEAN NOT NULL,
		attempted_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_org_active ON harbor.webhook_endpoints(organization_id) WHERE active`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_endpoint ON harbor.webhook_deliveries(endpoint_id, attempted_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_failed ON harbor.webhook_deliveries(attempted_at) WHERE NOT success`,
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateEndpoint(ctx context.Context, ep *delivery.Endpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if ep.EventTypes == nil {
		ep.EventTypes = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO harbor.webhook_endpoints(id, organization_id, url, secret, active, event_types, last_triggered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ep.ID, ep.OrganizationID, ep.URL, ep.Secret, ep.Active, ep.EventTypes, ep.LastTriggeredAt, ep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (s *Store) SetEndpointActive(ctx context.Context, id string, active bool) error {
	ct, err := s.pool.Exec(ctx, `UPDATE harbor.webhook_endpoints SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const endpointColumns = `id, organization_id, url, secret, active, event_types, last_triggered_at, created_at`

func (s *Store) ListActiveEndpoints(ctx context.Context, organizationID string) ([]delivery.Endpoint, error) {
	tracing.AddSpanEvent(ctx, "db.query_active_endpoints")
	rows, err := s.pool.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM harbor.webhook_endpoints
		WHERE organization_id = $1 AND active
		ORDER BY created_at, id`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var out []delivery.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) EndpointByID(ctx context.Context, id string) (delivery.Endpoint, error) {
	tracing.AddSpanEvent(ctx, "db.fetch_endpoint")
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM harbor.webhook_endpoints WHERE id = $1`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Endpoint{}, store.ErrNotFound
	}
	return ep, err
}

func (s *Store) TouchEndpoint(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE harbor.webhook_endpoints SET last_triggered_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch endpoint: %w", err)
	}
	return nil
}

func (s *Store) InsertAttempt(ctx context.Context, a *delivery.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tracing.AddSpanEvent(ctx, "db.insert_attempt")
	// payload goes in as TEXT so the stored json keeps the exact bytes sent
	_, err := s.pool.Exec(ctx, `
		INSERT INTO harbor.webhook_deliveries(id, endpoint_id, organization_id, event_type, payload, status_code, response_body, success, attempted_at)
		VALUES ($1, $2, $3, $4, $5::json, $6, $7, $8, $9)`,
		a.ID, a.EndpointID, a.OrganizationID, a.EventType, string(a.Payload), a.StatusCode, a.ResponseBody, a.Success, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

const attemptColumns = `id, endpoint_id, organization_id, event_type, payload::text, status_code, response_body, success, attempted_at`

func (s *Store) RecentFailures(ctx context.Context, since, before time.Time, limit int) ([]delivery.Attempt, error) {
	tracing.AddSpanEvent(ctx, "db.query_recent_failures")
	return s.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM harbor.webhook_deliveries
		WHERE NOT success AND attempted_at >= $1 AND attempted_at < $2
		ORDER BY attempted_at ASC, id ASC
		LIMIT $3`, since, before, limit)
}

func (s *Store) ListAttempts(ctx context.Context, f store.AttemptFilter) ([]delivery.Attempt, error) {
	var (
		where []string
		args  []any
	)
	if f.EndpointID != "" {
		args = append(args, f.EndpointID)
		where = append(where, fmt.Sprintf("endpoint_id = $%d", len(args)))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if f.FailedOnly {
		where = append(where, "NOT success")
	}

	q := `SELECT ` + attemptColumns + ` FROM harbor.webhook_deliveries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.LimitOrDefault())
	q += fmt.Sprintf(" ORDER BY attempted_at DESC, id DESC LIMIT $%d", len(args))

	return s.queryAttempts(ctx, q, args...)
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]delivery.Attempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a       delivery.Attempt
			payload string
		)
		if err := rows.Scan(&a.ID, &a.EndpointID, &a.OrganizationID, &a.EventType, &payload, &a.StatusCode, &a.ResponseBody, &a.Success, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Payload = []byte(payload)
		a.AttemptedAt = a.AttemptedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanEndpoint(row pgx.Row) (delivery.Endpoint, error) {
	var ep delivery.Endpoint
	err := row.Scan(&ep.ID, &ep.OrganizationID, &ep.URL, &ep.Secret, &ep.Active, &ep.EventTypes, &ep.LastTriggeredAt, &ep.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ep, err
		}
		return ep, fmt.Errorf("scan endpoint: %w", err)
	}
	ep.CreatedAt = ep.CreatedAt.UTC()
	if ep.LastTriggeredAt != nil {
		t := ep.LastTriggeredAt.UTC()
		ep.LastTriggeredAt = &t
	}
	return ep, nil
}
