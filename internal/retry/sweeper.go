// Package retry re-drives recently failed deliveries under a per-group cap.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatch"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

const exhaustedReason = "retry budget exhausted"

// Source is the store surface the sweeper reads.
type Source interface {
	RecentFailures(ctx context.Context, since, before time.Time, limit int) ([]delivery.Attempt, error)
	EndpointByID(ctx context.Context, id string) (delivery.Endpoint, error)
}

type groupKey struct {
	endpointID string
	eventType  string
}

// Result summarizes one sweep.
type Result struct {
	Loaded     int `json:"loaded"`     // failures read from the window
	Exhausted  int `json:"exhausted"`  // groups over the cap
	Candidates int `json:"candidates"` // deduplicated groups under the cap
	Retried    int `json:"retried"`    // new attempts issued
	Skipped    int `json:"skipped"`    // candidates whose endpoint is gone or inactive
}

type Sweeper struct {
	source         Source
	deliverer      dispatch.Deliverer
	feed           *delivery.Feed
	logger         *logging.Logger
	window         time.Duration
	maxFailures    int
	batchSize      int
	maxConcurrency int
	now            func() time.Time
}

func NewSweeper(source Source, deliverer dispatch.Deliverer, feed *delivery.Feed, cfg config.Config, logger *logging.Logger) *Sweeper {
	return &Sweeper{
		source:         source,
		deliverer:      deliverer,
		feed:           feed,
		logger:         logger,
		window:         cfg.Retry.Window,
		maxFailures:    cfg.Retry.MaxFailures,
		batchSize:      cfg.Retry.BatchSize,
		maxConcurrency: cfg.Delivery.MaxConcurrency,
		now:            time.Now,
	}
}

// Sweep runs one retry pass. It only considers failures recorded before it
// started, so back-to-back sweeps never retry their own attempts.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "retry.sweep")
	defer span.End()

	start := s.now().UTC()
	failures, err := s.source.RecentFailures(ctx, start.Add(-s.window), start, s.batchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("load recent failures: %w", err)
	}

	res := Result{Loaded: len(failures)}
	candidates, exhausted := selectCandidates(failures, s.maxFailures)
	res.Exhausted = len(exhausted)
	res.Candidates = len(candidates)

	log := s.logger.WithContext(ctx)
	for _, g := range exhausted {
		// notify once, on the sweep where the group first crosses the cap
		if g.count != s.maxFailures+1 {
			continue
		}
		dl := delivery.NewDeadLetter(g.last, g.count, exhaustedReason)
		if err := s.feed.PublishDeadLetter(dl); err != nil {
			log.WithEndpoint(g.last.EndpointID).WithEventType(g.last.EventType).WithError(err).Warn("dead letter publish failed")
		}
		log.WithEndpoint(g.last.EndpointID).
			WithEventType(g.last.EventType).
			WithField("failures", g.count).
			Info("retry budget exhausted, group excluded")
	}
	metrics.RecordSweepExhausted(len(exhausted))

	var jobs []dispatch.Job
	for _, c := range candidates {
		ep, err := s.source.EndpointByID(ctx, c.EndpointID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Skipped++
			continue
		case err != nil:
			metrics.RecordStoreError("endpoint_by_id")
			log.WithEndpoint(c.EndpointID).WithError(err).Error("endpoint lookup failed, candidate skipped")
			res.Skipped++
			continue
		case !ep.Active:
			res.Skipped++
			continue
		}
		jobs = append(jobs, dispatch.Job{
			Endpoint: ep,
			Event: delivery.Event{
				OrganizationID: c.OrganizationID,
				EventType:      c.EventType,
				Payload:        delivery.UnwrapPayload(c.Payload),
			},
		})
	}

	attempts := dispatch.DeliverAll(ctx, s.deliverer, jobs, s.maxConcurrency, s.logger)
	res.Retried = len(attempts)
	for range attempts {
		metrics.RecordSweepRetry()
	}

	span.SetAttributes(
		attribute.Int("loaded", res.Loaded),
		attribute.Int("exhausted", res.Exhausted),
		attribute.Int("retried", res.Retried),
		attribute.Int("skipped", res.Skipped),
	)
	log.WithFields(map[string]any{
		"loaded":     res.Loaded,
		"exhausted":  res.Exhausted,
		"candidates": res.Candidates,
		"retried":    res.Retried,
		"skipped":    res.Skipped,
	}).Info("sweep complete")
	return res, nil
}

type exhaustedGroup struct {
	last  delivery.Attempt
	count int
}

// selectCandidates groups oldest-first failures by endpoint and event type,
// drops groups with more than maxFailures members and keeps the latest
// failure of each remaining group. Output follows first-seen group order.
func selectCandidates(failures []delivery.Attempt, maxFailures int) ([]delivery.Attempt, []exhaustedGroup) {
	counts := make(map[groupKey]int)
	latest := make(map[groupKey]delivery.Attempt)
	var order []groupKey
	for _, f := range failures {
		k := groupKey{endpointID: f.EndpointID, eventType: f.EventType}
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k]++
		latest[k] = f
	}

	var (
		candidates []delivery.Attempt
		exhausted  []exhaustedGroup
	)
	for _, k := range order {
		if counts[k] > maxFailures {
			exhausted = append(exhausted, exhaustedGroup{last: latest[k], count: counts[k]})
			continue
		}
		candidates = append(candidates, latest[k])
	}
	return candidates, exhausted
}

// Run sweeps every interval until ctx is done. A failed sweep is logged and
// the loop continues.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.WithContext(ctx).WithError(err).Error("sweep failed")
			}
		}
	}
}
