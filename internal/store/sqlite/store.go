// Package sqlite is the embedded store backend used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// New opens the database at path (":memory:" works) and applies the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection: serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			event_types TEXT NOT NULL DEFAULT '[]',
			last_triggered_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL REFERENCES webhook_endpoints(id) ON DELETE CASCADE,
			organization_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			response_body TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			attempted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_org_active ON webhook_endpoints(organization_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_endpoint ON webhook_deliveries(endpoint_id, attempted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_failed ON webhook_deliveries(attempted_at) WHERE success = 0`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

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
	types, err := json.Marshal(ep.EventTypes)
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, organization_id, url, secret, active, event_types, last_triggered_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.OrganizationID, ep.URL, ep.Secret, ep.Active, string(types), nanosPtr(ep.LastTriggeredAt), ep.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (s *Store) SetEndpointActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_endpoints SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const endpointColumns = `id, organization_id, url, secret, active, event_types, last_triggered_at, created_at`

func (s *Store) ListActiveEndpoints(ctx context.Context, organizationID string) ([]delivery.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE organization_id = ? AND active = 1
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
	row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Endpoint{}, store.ErrNotFound
	}
	return ep, err
}

func (s *Store) TouchEndpoint(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE webhook_endpoints SET last_triggered_at = ? WHERE id = ?`, at.UnixNano(), id); err != nil {
		return fmt.Errorf("touch endpoint: %w", err)
	}
	return nil
}

func (s *Store) InsertAttempt(ctx context.Context, a *delivery.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint_id, organization_id, event_type, payload, status_code, response_body, success, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EndpointID, a.OrganizationID, a.EventType, string(a.Payload), a.StatusCode, a.ResponseBody, a.Success, a.AttemptedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

const attemptColumns = `id, endpoint_id, organization_id, event_type, payload, status_code, response_body, success, attempted_at`

func (s *Store) RecentFailures(ctx context.Context, since, before time.Time, limit int) ([]delivery.Attempt, error) {
	return s.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_deliveries
		WHERE success = 0 AND attempted_at >= ? AND attempted_at < ?
		ORDER BY attempted_at ASC, id ASC
		LIMIT ?`, since.UnixNano(), before.UnixNano(), limit)
}

func (s *Store) ListAttempts(ctx context.Context, f store.AttemptFilter) ([]delivery.Attempt, error) {
	var (
		where []string
		args  []any
	)
	if f.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.FailedOnly {
		where = append(where, "success = 0")
	}

	q := `SELECT ` + attemptColumns + ` FROM webhook_deliveries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY attempted_at DESC, id DESC LIMIT ?"
	args = append(args, f.LimitOrDefault())

	return s.queryAttempts(ctx, q, args...)
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]delivery.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a       delivery.Attempt
			payload string
			at      int64
		)
		if err := rows.Scan(&a.ID, &a.EndpointID, &a.OrganizationID, &a.EventType, &payload, &a.StatusCode, &a.ResponseBody, &a.Success, &at); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		a.AttemptedAt = time.Unix(0, at).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(sc scanner) (delivery.Endpoint, error) {
	var (
		ep        delivery.Endpoint
		types     string
		triggered sql.NullInt64
		created   int64
	)
	if err := sc.Scan(&ep.ID, &ep.OrganizationID, &ep.URL, &ep.Secret, &ep.Active, &types, &triggered, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ep, err
		}
		return ep, fmt.Errorf("scan endpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(types), &ep.EventTypes); err != nil {
		return ep, fmt.Errorf("decode event types for %s: %w", ep.ID, err)
	}
	if triggered.Valid {
		t := time.Unix(0, triggered.Int64).UTC()
		ep.LastTriggeredAt = &t
	}
	ep.CreatedAt = time.Unix(0, created).UTC()
	return ep, nil
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
