package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/store/sqlite"
)

type harness struct {
	store   *sqlite.Store
	sweeper *Sweeper
	pub     *fakePublisher
	hits    *atomic.Int32
	bodies  chan []byte
	url     string
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func newHarness(t *testing.T, status int, mutate func(*config.Config)) *harness {
	t.Helper()
	h := &harness{hits: &atomic.Int32{}, bodies: make(chan []byte, 64), pub: &fakePublisher{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		h.bodies <- b
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	h.url = srv.URL

	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	h.store = s

	cfg := config.Defaults()
	cfg.Delivery.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	feed := delivery.NewFeed(h.pub, cfg.NSQ.AttemptsTopic, cfg.NSQ.DLQTopic)
	ex := delivery.NewExecutor(s, cfg.Delivery, logging.Discard())
	h.sweeper = NewSweeper(s, ex, feed, cfg, logging.Discard())
	return h
}

func (h *harness) endpoint(t *testing.T, id string, active bool) {
	t.Helper()
	ep := delivery.Endpoint{ID: id, OrganizationID: "org1", URL: h.url, Secret: "s", Active: active, EventTypes: []string{"lead.created"}}
	if err := h.store.CreateEndpoint(context.Background(), &ep); err != nil {
		t.Fatalf("CreateEndpoint() error = %v", err)
	}
}

func (h *harness) failure(t *testing.T, endpointID, eventType string, age time.Duration, data string) {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	env, _ := delivery.NewEnvelope(eventType, at, json.RawMessage(data)).Marshal()
	a := delivery.Attempt{
		EndpointID: endpointID, OrganizationID: "org1", EventType: eventType,
		Payload: env, StatusCode: 500, ResponseBody: "err", AttemptedAt: at,
	}
	if err := h.store.InsertAttempt(context.Background(), &a); err != nil {
		t.Fatalf("InsertAttempt() error = %v", err)
	}
}

func TestSweep_ExhaustedGroupExcluded(t *testing.T) {
	h := newHarness(t, http.StatusOK, nil)
	h.endpoint(t, "ep1", true)
	for i := range 4 {
		h.failure(t, "ep1", "lead.created", time.Duration(i+1)*time.Hour, `{"leadId":"l1"}`)
	}

	res, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Retried != 0 || h.hits.Load() != 0 {
		t.Errorf("retried=%d hits=%d, want none", res.Retried, h.hits.Load())
	}
	if res.Loaded != 4 || res.Exhausted != 1 || res.Candidates != 0 {
		t.Errorf("Result = %+v", res)
	}

	if len(h.pub.bodies) != 1 || h.pub.topics[0] != "webhook_attempts_dlq" {
		t.Fatalf("dead letters = %v", h.pub.topics)
	}
	var dl delivery.DeadLetter
	if err := json.Unmarshal(h.pub.bodies[0], &dl); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if dl.EndpointID != "ep1" || dl.EventType != "lead.created" || dl.Failures != 4 {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestSweep_AtCapStillRetried(t *testing.T) {
	h := newHarness(t, http.StatusOK, nil)
	h.endpoint(t, "ep1", true)
	for i := range 3 {
		h.failure(t, "ep1", "lead.created", time.Duration(i+1)*time.Minute, `{"n":1}`)
	}

	res, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Retried != 1 || res.Exhausted != 0 {
		t.Errorf("Result = %+v, want one retry at exactly the cap", res)
	}
}

func TestSweep_Dedup(t *testing.T) {
	h := newHarness(t, http.StatusOK, func(c *config.Config) { c.Retry.MaxFailures = 10 })
	h.endpoint(t, "ep1", true)
	for i := range 5 {
		// i=0 is the oldest, i=4 the most recent
		h.failure(t, "ep1", "lead.created", time.Duration(5-i)*time.Minute, fmt.Sprintf(`{"n":%d}`, i))
	}

	res, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Retried != 1 || h.hits.Load() != 1 {
		t.Fatalf("retried=%d hits=%d, want exactly 1", res.Retried, h.hits.Load())
	}

	var env delivery.Envelope
	if err := json.Unmarshal(<-h.bodies, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env.Event != "lead.created" || string(env.Data) != `{"n":4}` {
		t.Errorf("retried envelope = %+v, want latest failure's data", env)
	}
}

func TestSweep_UnwrapsStoredEnvelope(t *testing.T) {
	h := newHarness(t, http.StatusOK, nil)
	h.endpoint(t, "ep1", true)
	h.failure(t, "ep1", "lead.created", time.Minute, `{"leadId":"l1","nested":{"x":[1,2]}}`)

	if _, err := h.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(<-h.bodies, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(env["data"]) != `{"leadId":"l1","nested":{"x":[1,2]}}` {
		t.Errorf("data = %s, want original payload, not a nested envelope", env["data"])
	}
}

func TestSweep_FallbackToWholeStoredPayload(t *testing.T) {
	h := newHarness(t, http.StatusOK, nil)
	h.endpoint(t, "ep1", true)
	a := delivery.Attempt{
		EndpointID: "ep1", OrganizationID: "org1", EventType: "lead.created",
		Payload: json.RawMessage(`{"legacy":true}`), StatusCode: 0, AttemptedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := h.store.InsertAttempt(context.Background(), &a); err != nil {
		t.Fatalf("InsertAttempt() error = %v", err)
	}

	if _, err := h.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	var env map[string]json.RawMessage
	_ = json.Unmarshal(<-h.bodies, &env)
	if string(env["data"]) != `{"legacy":true}` {
		t.Errorf("data = %s, want the stored payload", env["data"])
	}
}

func TestSweep_InactiveEndpointSkipped(t *testing.T) {
	h := newHarness(t, http.StatusOK, nil)
	h.endpoint(t, "ep1", false)
	h.failure(t, "ep1", "lead.created", time.Minute, `{}`)

	res, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Retried != 0 || res.Skipped != 1 || h.hits.Load() != 0 {
		t.Errorf("Result = %+v hits=%d", res, h.hits.Load())
	}
	rows, _ := h.store.ListAttempts(context.Background(), store.AttemptFilter{EndpointID: "ep1"})
	if len(rows) != 1 {
		t.Errorf("rows = %d, want only the original failure", len(rows))
	}
}

func TestSweep_WindowAndSuccessIgnored(t *testing.T) {
	h := newHarness(t, http.StatusOK, nil)
	h.endpoint(t, "ep1", true)
	h.endpoint(t, "ep2", true)
	h.failure(t, "ep1", "lead.created", 25*time.Hour, `{}`)
	ok := delivery.Attempt{EndpointID: "ep2", OrganizationID: "org1", EventType: "lead.created", Payload: json.RawMessage(`{}`), StatusCode: 200, Success: true, AttemptedAt: time.Now().UTC().Add(-time.Minute)}
	if err := h.store.InsertAttempt(context.Background(), &ok); err != nil {
		t.Fatalf("InsertAttempt() error = %v", err)
	}

	res, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Loaded != 0 || res.Retried != 0 {
		t.Errorf("Result = %+v, want nothing loaded", res)
	}
}

func TestSweep_BatchSize(t *testing.T) {
	h := newHarness(t, http.StatusOK, func(c *config.Config) { c.Retry.BatchSize = 5 })
	h.endpoint(t, "ep1", true)
	for i := range 8 {
		h.failure(t, "ep1", fmt.Sprintf("type.%d", i), time.Duration(i+1)*time.Minute, `{}`)
	}

	res, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Loaded != 5 || res.Retried != 5 {
		t.Errorf("Result = %+v, want 5 loaded and retried", res)
	}
}

func TestSweep_RepeatedRunsReachCap(t *testing.T) {
	h := newHarness(t, http.StatusServiceUnavailable, nil)
	h.endpoint(t, "ep1", true)
	h.failure(t, "ep1", "lead.created", time.Minute, `{}`)

	var retried []int
	for range 5 {
		res, err := h.sweeper.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
		retried = append(retried, res.Retried)
	}
	// failures grow 1,2,3 -> retry each time; at 4 the group is excluded
	want := []int{1, 1, 1, 0, 0}
	if fmt.Sprint(retried) != fmt.Sprint(want) {
		t.Errorf("retries per run = %v, want %v", retried, want)
	}
	if h.hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", h.hits.Load())
	}
	// the group stays excluded on later sweeps but is announced only once
	if len(h.pub.topics) != 1 || h.pub.topics[0] != "webhook_attempts_dlq" {
		t.Errorf("dead letters = %v, want exactly one", h.pub.topics)
	}
}

type erroringSource struct {
	failures  []delivery.Attempt
	loadErr   error
	lookupErr error
}

func (s erroringSource) RecentFailures(context.Context, time.Time, time.Time, int) ([]delivery.Attempt, error) {
	return s.failures, s.loadErr
}

func (s erroringSource) EndpointByID(_ context.Context, id string) (delivery.Endpoint, error) {
	if s.lookupErr != nil {
		return delivery.Endpoint{}, s.lookupErr
	}
	return delivery.Endpoint{}, store.ErrNotFound
}

type countingDeliverer struct{ n atomic.Int32 }

func (d *countingDeliverer) Deliver(context.Context, delivery.Endpoint, delivery.Event) delivery.Attempt {
	d.n.Add(1)
	return delivery.Attempt{}
}

func TestSweep_StoreErrors(t *testing.T) {
	cfg := config.Defaults()
	failures := []delivery.Attempt{{EndpointID: "a", EventType: "x"}, {EndpointID: "b", EventType: "x"}}

	tests := []struct {
		name        string
		source      erroringSource
		wantErr     bool
		wantSkipped int
	}{
		{name: "load failure surfaces", source: erroringSource{loadErr: errors.New("db down")}, wantErr: true},
		{name: "lookup failure skips candidate", source: erroringSource{failures: failures, lookupErr: errors.New("timeout")}, wantSkipped: 2},
		{name: "missing endpoint skips candidate", source: erroringSource{failures: failures}, wantSkipped: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDeliverer{}
			sw := NewSweeper(tt.source, d, nil, cfg, logging.Discard())
			res, err := sw.Sweep(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Sweep() error = %v, wantErr %v", err, tt.wantErr)
			}
			if res.Skipped != tt.wantSkipped || d.n.Load() != 0 {
				t.Errorf("Result = %+v deliveries=%d", res, d.n.Load())
			}
		})
	}
}

func TestSweep_WindowBounds(t *testing.T) {
	var gotSince, gotBefore time.Time
	var gotLimit int
	src := &windowSource{fn: func(since, before time.Time, limit int) {
		gotSince, gotBefore, gotLimit = since, before, limit
	}}
	sw := NewSweeper(src, &countingDeliverer{}, nil, config.Defaults(), logging.Discard())
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return fixed }

	if _, err := sw.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if !gotBefore.Equal(fixed) || !gotSince.Equal(fixed.Add(-24*time.Hour)) || gotLimit != 50 {
		t.Errorf("window = [%v, %v) limit %d", gotSince, gotBefore, gotLimit)
	}
}

type windowSource struct {
	fn func(since, before time.Time, limit int)
}

func (s *windowSource) RecentFailures(_ context.Context, since, before time.Time, limit int) ([]delivery.Attempt, error) {
	s.fn(since, before, limit)
	return nil, nil
}

func (s *windowSource) EndpointByID(context.Context, string) (delivery.Endpoint, error) {
	return delivery.Endpoint{}, store.ErrNotFound
}

func TestSelectCandidates(t *testing.T) {
	f := func(id, ep, et string) delivery.Attempt {
		return delivery.Attempt{ID: id, EndpointID: ep, EventType: et}
	}
	tests := []struct {
		name          string
		failures      []delivery.Attempt
		wantIDs       []string
		wantExhausted int
	}{
		{name: "empty"},
		{name: "single", failures: []delivery.Attempt{f("1", "a", "x")}, wantIDs: []string{"1"}},
		{
			name:     "latest per key",
			failures: []delivery.Attempt{f("1", "a", "x"), f("2", "a", "x"), f("3", "b", "x"), f("4", "a", "y")},
			wantIDs:  []string{"2", "3", "4"},
		},
		{
			name:          "over cap excluded, others kept",
			failures:      []delivery.Attempt{f("1", "a", "x"), f("2", "a", "x"), f("3", "a", "x"), f("4", "b", "x"), f("5", "a", "x")},
			wantIDs:       []string{"4"},
			wantExhausted: 1,
		},
		{
			name:     "exactly at cap kept",
			failures: []delivery.Attempt{f("1", "a", "x"), f("2", "a", "x"), f("3", "a", "x")},
			wantIDs:  []string{"3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, exhausted := selectCandidates(tt.failures, 3)
			var ids []string
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("candidates = %v, want %v", ids, tt.wantIDs)
			}
			if len(exhausted) != tt.wantExhausted {
				t.Errorf("exhausted = %d, want %d", len(exhausted), tt.wantExhausted)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	var sweeps atomic.Int32
	src := &windowSource{fn: func(time.Time, time.Time, int) { sweeps.Add(1) }}
	sw := NewSweeper(src, &countingDeliverer{}, nil, config.Defaults(), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if sweeps.Load() == 0 {
		t.Error("Run never swept")
	}
}
