package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/signing"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

const (
	eventHeader    = "X-Webhook-Event"
	deliveryHeader = "X-Webhook-Delivery"
)

// Recorder persists attempts. Implemented by the store backends.
type Recorder interface {
	InsertAttempt(ctx context.Context, a *Attempt) error
	TouchEndpoint(ctx context.Context, endpointID string, at time.Time) error
}

type Option func(*Executor)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

func WithFeed(f *Feed) Option {
	return func(e *Executor) { e.feed = f }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor performs single delivery attempts and records their outcome.
type Executor struct {
	recorder  Recorder
	client    *http.Client
	feed      *Feed
	logger    *logging.Logger
	timeout   time.Duration
	bodyLimit int
	userAgent string
	now       func() time.Time
	newID     func() string
}

func NewExecutor(recorder Recorder, cfg config.Delivery, logger *logging.Logger, opts ...Option) *Executor {
	e := &Executor{
		recorder:  recorder,
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:    logger,
		timeout:   cfg.Timeout,
		bodyLimit: cfg.ResponseBodyLimit,
		userAgent: cfg.UserAgent,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver sends one signed envelope to ep and records the attempt. Transport
// and store failures end up in the returned Attempt or the log; Deliver never
// fails.
func (e *Executor) Deliver(ctx context.Context, ep Endpoint, ev Event) Attempt {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("endpoint_id", ep.ID),
		attribute.String("organization_id", ev.OrganizationID),
		attribute.String("event_type", ev.EventType),
	)
	defer span.End()

	at := e.now().UTC()
	a := Attempt{
		ID:             e.newID(),
		EndpointID:     ep.ID,
		OrganizationID: ev.OrganizationID,
		EventType:      ev.EventType,
		AttemptedAt:    at,
	}
	if a.OrganizationID == "" {
		a.OrganizationID = ep.OrganizationID
	}

	body, encErr := NewEnvelope(ev.EventType, at, ev.Payload).Marshal()
	if encErr != nil {
		// unencodable payload: keep a well-formed envelope on record
		body, _ = NewEnvelope(ev.EventType, at, nil).Marshal()
		a.Payload = body
		a.ResponseBody = e.truncate([]byte("encode envelope: " + encErr.Error()))
		e.finish(ctx, ep, &a, encErr, 0)
		return a
	}
	a.Payload = body

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	status, respBody, doErr := e.post(ctx, ep, ev.EventType, a.ID, body)
	latency := time.Since(start)

	a.StatusCode = status
	if doErr != nil {
		a.ResponseBody = e.truncate([]byte(describeFailure(doErr, e.timeout)))
		span.SetAttributes(attribute.String("http.error", doErr.Error()))
	} else {
		a.ResponseBody = respBody
	}
	a.Success = doErr == nil && IsSuccess(status)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
		attribute.Bool("success", a.Success),
	)

	e.finish(ctx, ep, &a, doErr, latency)
	return a
}

func (e *Executor) post(ctx context.Context, ep Endpoint, eventType, deliveryID string, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.Header, signing.Sign(body, ep.Secret))
	req.Header.Set(eventHeader, eventType)
	req.Header.Set(deliveryHeader, deliveryID)
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, int64(e.bodyLimit)))
	if err != nil && ctx.Err() != nil {
		// the deadline hit mid-body: same as no response at all
		return 0, "", fmt.Errorf("read response: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, e.truncate(b), nil
}

// finish records the attempt, touches the endpoint and feeds the attempt
// downstream. Every step is best-effort.
func (e *Executor) finish(ctx context.Context, ep Endpoint, a *Attempt, doErr error, latency time.Duration) {
	log := e.logger.WithContext(ctx).
		WithOrganization(a.OrganizationID).
		WithEndpoint(ep.ID).
		WithDelivery(a.ID).
		WithEventType(a.EventType)

	if err := e.recorder.InsertAttempt(ctx, a); err != nil {
		metrics.RecordStoreError("insert_attempt")
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("record attempt failed")
	}
	if err := e.recorder.TouchEndpoint(ctx, ep.ID, a.AttemptedAt); err != nil {
		metrics.RecordStoreError("touch_endpoint")
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("update endpoint last triggered failed")
	}
	if err := e.feed.PublishAttempt(ctx, *a); err != nil {
		log.WithError(err).Warn("attempt feed publish failed")
	}

	metrics.RecordDelivery(classifyOutcome(doErr, a.StatusCode), a.Success, latency)
	if a.Success {
		log.WithField("status_code", a.StatusCode).Info("webhook delivered")
	} else {
		log.WithField("status_code", a.StatusCode).Warn("webhook delivery failed")
	}
}

// truncate keeps at most bodyLimit bytes and drops any multi-byte character
// split by the cut. NUL bytes are removed; Postgres text columns reject them.
func (e *Executor) truncate(b []byte) string {
	if e.bodyLimit >= 0 && len(b) > e.bodyLimit {
		b = b[:e.bodyLimit]
	}
	return strings.ReplaceAll(strings.ToValidUTF8(string(b), ""), "\x00", "")
}

func describeFailure(err error, timeout time.Duration) string {
	if isTimeout(err) {
		return fmt.Sprintf("request timed out after %s: %v", timeout, err)
	}
	return "request failed: " + err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyOutcome buckets an attempt for the deliveries metric.
func classifyOutcome(err error, status int) string {
	if err != nil {
		var dnsErr *net.DNSError
		switch {
		case isTimeout(err):
			return "timeout"
		case errors.Is(err, syscall.ECONNREFUSED):
			return "connection_refused"
		case errors.As(err, &dnsErr):
			return "dns_error"
		}
		return "network"
	}
	switch {
	case IsSuccess(status):
		return "success"
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
