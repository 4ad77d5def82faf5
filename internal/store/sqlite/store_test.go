package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateEndpoint(t *testing.T, s *Store, ep delivery.Endpoint) delivery.Endpoint {
	t.Helper()
	if err := s.CreateEndpoint(context.Background(), &ep); err != nil {
		t.Fatalf("CreateEndpoint() error = %v", err)
	}
	return ep
}

func mustInsertAttempt(t *testing.T, s *Store, a delivery.Attempt) delivery.Attempt {
	t.Helper()
	if a.Payload == nil {
		a.Payload = json.RawMessage(`{"event":"x","data":{}}`)
	}
	if err := s.InsertAttempt(context.Background(), &a); err != nil {
		t.Fatalf("InsertAttempt() error = %v", err)
	}
	return a
}

func TestNew_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harbor.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "ep1", OrganizationID: "org1", URL: "http://x", Active: true})
	s.Close()

	// reopen applies the schema again without error and keeps data
	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if _, err := s.EndpointByID(context.Background(), "ep1"); err != nil {
		t.Errorf("EndpointByID() after reopen error = %v", err)
	}
}

func TestEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := mustCreateEndpoint(t, s, delivery.Endpoint{
		OrganizationID: "org1",
		URL:            "https://a.example.com/hook",
		Secret:         "s1",
		Active:         true,
		EventTypes:     []string{"call.completed", "lead.created"},
	})
	if created.ID == "" {
		t.Fatal("CreateEndpoint() did not assign an id")
	}
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "inactive", OrganizationID: "org1", URL: "https://b", Active: false})
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "other-org", OrganizationID: "org2", URL: "https://c", Active: true})

	active, err := s.ListActiveEndpoints(ctx, "org1")
	if err != nil {
		t.Fatalf("ListActiveEndpoints() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != created.ID {
		t.Fatalf("ListActiveEndpoints() = %+v, want only %s", active, created.ID)
	}
	got := active[0]
	if got.Secret != "s1" || got.URL != "https://a.example.com/hook" || !got.Active {
		t.Errorf("endpoint fields = %+v", got)
	}
	if len(got.EventTypes) != 2 || got.EventTypes[1] != "lead.created" {
		t.Errorf("event types = %v", got.EventTypes)
	}
	if got.LastTriggeredAt != nil {
		t.Errorf("LastTriggeredAt = %v, want nil", got.LastTriggeredAt)
	}

	ep, err := s.EndpointByID(ctx, "inactive")
	if err != nil {
		t.Fatalf("EndpointByID() error = %v", err)
	}
	if ep.Active {
		t.Error("inactive endpoint reported active")
	}

	if _, err := s.EndpointByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("EndpointByID(missing) error = %v, want ErrNotFound", err)
	}

	none, err := s.ListActiveEndpoints(ctx, "nobody")
	if err != nil || len(none) != 0 {
		t.Errorf("ListActiveEndpoints(nobody) = %v, %v", none, err)
	}
}

func TestSetEndpointActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "ep1", OrganizationID: "org1", URL: "http://x", Active: true})

	if err := s.SetEndpointActive(ctx, "ep1", false); err != nil {
		t.Fatalf("SetEndpointActive() error = %v", err)
	}
	active, _ := s.ListActiveEndpoints(ctx, "org1")
	if len(active) != 0 {
		t.Errorf("deactivated endpoint still listed")
	}
	if err := s.SetEndpointActive(ctx, "missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetEndpointActive(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTouchEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "ep1", OrganizationID: "org1", URL: "http://x", Active: true})

	at := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	if err := s.TouchEndpoint(ctx, "ep1", at); err != nil {
		t.Fatalf("TouchEndpoint() error = %v", err)
	}
	ep, _ := s.EndpointByID(ctx, "ep1")
	if ep.LastTriggeredAt == nil || !ep.LastTriggeredAt.Equal(at) {
		t.Errorf("LastTriggeredAt = %v, want %v", ep.LastTriggeredAt, at)
	}
	if err := s.TouchEndpoint(ctx, "missing", at); err != nil {
		t.Errorf("TouchEndpoint(missing) error = %v, want nil", err)
	}
}

func TestInsertAttempt_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "ep1", OrganizationID: "org1", URL: "http://x", Active: true})

	payload := json.RawMessage(`{"event":"call.completed","timestamp":"2024-01-01T00:00:00.000Z","data":{"callId":"c1"}}`)
	at := time.Date(2024, 1, 1, 0, 0, 0, 5, time.UTC)
	mustInsertAttempt(t, s, delivery.Attempt{
		ID: "a1", EndpointID: "ep1", OrganizationID: "org1", EventType: "call.completed",
		Payload: payload, StatusCode: 500, ResponseBody: "boom", Success: false, AttemptedAt: at,
	})

	got, err := s.ListAttempts(ctx, store.AttemptFilter{EndpointID: "ep1"})
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListAttempts() returned %d rows", len(got))
	}
	a := got[0]
	if string(a.Payload) != string(payload) {
		t.Errorf("payload = %s, want exact bytes %s", a.Payload, payload)
	}
	if a.StatusCode != 500 || a.ResponseBody != "boom" || a.Success || !a.AttemptedAt.Equal(at) {
		t.Errorf("attempt = %+v", a)
	}
}

func TestInsertAttempt_UnknownEndpoint(t *testing.T) {
	s := newTestStore(t)
	a := delivery.Attempt{ID: "a1", EndpointID: "ghost", Payload: json.RawMessage(`{}`), AttemptedAt: time.Now()}
	if err := s.InsertAttempt(context.Background(), &a); err == nil {
		t.Error("InsertAttempt() for unknown endpoint should violate the foreign key")
	}
}

func TestRecentFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "ep1", OrganizationID: "org1", URL: "http://x", Active: true})

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	since := now.Add(-24 * time.Hour)

	mustInsertAttempt(t, s, delivery.Attempt{ID: "too-old", EndpointID: "ep1", AttemptedAt: since.Add(-time.Second)})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "at-since", EndpointID: "ep1", AttemptedAt: since})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "later", EndpointID: "ep1", AttemptedAt: now.Add(-time.Hour)})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "earlier", EndpointID: "ep1", AttemptedAt: now.Add(-2 * time.Hour)})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "ok", EndpointID: "ep1", Success: true, StatusCode: 200, AttemptedAt: now.Add(-time.Minute)})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "at-now", EndpointID: "ep1", AttemptedAt: now})

	got, err := s.RecentFailures(ctx, since, now, 50)
	if err != nil {
		t.Fatalf("RecentFailures() error = %v", err)
	}
	var ids []string
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	want := []string{"at-since", "earlier", "later"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("RecentFailures() ids = %v, want %v", ids, want)
	}

	limited, err := s.RecentFailures(ctx, since, now, 2)
	if err != nil {
		t.Fatalf("RecentFailures(limit) error = %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "at-since" {
		t.Errorf("limited = %+v, want the two oldest", limited)
	}
}

func TestListAttempts_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "ep1", OrganizationID: "org1", URL: "http://x", Active: true})
	mustCreateEndpoint(t, s, delivery.Endpoint{ID: "ep2", OrganizationID: "org1", URL: "http://y", Active: true})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mustInsertAttempt(t, s, delivery.Attempt{ID: "1", EndpointID: "ep1", EventType: "a", Success: true, AttemptedAt: base})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "2", EndpointID: "ep1", EventType: "b", AttemptedAt: base.Add(time.Minute)})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "3", EndpointID: "ep1", EventType: "a", AttemptedAt: base.Add(2 * time.Minute)})
	mustInsertAttempt(t, s, delivery.Attempt{ID: "4", EndpointID: "ep2", EventType: "a", AttemptedAt: base.Add(3 * time.Minute)})

	tests := []struct {
		name   string
		filter store.AttemptFilter
		want   []string
	}{
		{name: "all newest first", filter: store.AttemptFilter{}, want: []string{"4", "3", "2", "1"}},
		{name: "by endpoint", filter: store.AttemptFilter{EndpointID: "ep1"}, want: []string{"3", "2", "1"}},
		{name: "by event type", filter: store.AttemptFilter{EndpointID: "ep1", EventType: "a"}, want: []string{"3", "1"}},
		{name: "failed only", filter: store.AttemptFilter{EndpointID: "ep1", FailedOnly: true}, want: []string{"3", "2"}},
		{name: "limit", filter: store.AttemptFilter{Limit: 1}, want: []string{"4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListAttempts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListAttempts() error = %v", err)
			}
			var ids []string
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
