package dispatch

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

// Deliverer performs one attempt. *delivery.Executor implements it.
type Deliverer interface {
	Deliver(ctx context.Context, ep delivery.Endpoint, ev delivery.Event) delivery.Attempt
}

// Job pairs an endpoint with the event to send it.
type Job struct {
	Endpoint delivery.Endpoint
	Event    delivery.Event
}

// DeliverAll runs every job concurrently, at most maxConcurrency at a time,
// and waits for all of them. Results are in job order. A panicking job yields
// a failed attempt and does not affect the others.
func DeliverAll(ctx context.Context, d Deliverer, jobs []Job, maxConcurrency int, logger *logging.Logger) []delivery.Attempt {
	if len(jobs) == 0 {
		return nil
	}
	// only the per-attempt timeout may cancel a delivery
	ctx = context.WithoutCancel(ctx)

	results := make([]delivery.Attempt, len(jobs))
	p := pool.New().WithMaxGoroutines(max(maxConcurrency, 1))
	for i, job := range jobs {
		p.Go(func() {
			var pc panics.Catcher
			pc.Try(func() {
				results[i] = d.Deliver(ctx, job.Endpoint, job.Event)
			})
			if r := pc.Recovered(); r != nil {
				logger.WithContext(ctx).
					WithOrganization(job.Event.OrganizationID).
					WithEndpoint(job.Endpoint.ID).
					WithEventType(job.Event.EventType).
					WithField("panic", fmt.Sprint(r.Value)).
					Error("delivery panicked")
				results[i] = delivery.Attempt{
					EndpointID:     job.Endpoint.ID,
					OrganizationID: job.Event.OrganizationID,
					EventType:      job.Event.EventType,
					ResponseBody:   "delivery panicked: " + fmt.Sprint(r.Value),
				}
			}
		})
	}
	p.Wait()
	return results
}

// Result is the per-dispatch summary. The attempts themselves are already
// recorded by the executor.
type Result struct {
	Attempts []delivery.Attempt
}

func (r Result) Succeeded() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Success {
			n++
		}
	}
	return n
}

type Coordinator struct {
	resolver       *Resolver
	deliverer      Deliverer
	maxConcurrency int
	logger         *logging.Logger
}

func NewCoordinator(resolver *Resolver, deliverer Deliverer, maxConcurrency int, logger *logging.Logger) *Coordinator {
	return &Coordinator{resolver: resolver, deliverer: deliverer, maxConcurrency: maxConcurrency, logger: logger}
}

// Dispatch resolves ev's endpoints and delivers to all of them, settling every
// delivery before returning. Only a resolution failure is an error.
func (c *Coordinator) Dispatch(ctx context.Context, ev delivery.Event) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.fanout",
		attribute.String("organization_id", ev.OrganizationID),
		attribute.String("event_type", ev.EventType),
		attribute.String("endpoint_id", ev.EndpointID),
	)
	defer span.End()

	endpoints, err := c.resolver.Resolve(ctx, TargetFor(ev))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("resolve endpoints: %w", err)
	}
	span.SetAttributes(attribute.Int("endpoints_count", len(endpoints)))

	log := c.logger.WithContext(ctx).WithOrganization(ev.OrganizationID).WithEventType(ev.EventType)
	if len(endpoints) == 0 {
		log.Debug("no endpoints to address")
		return Result{}, nil
	}

	jobs := make([]Job, len(endpoints))
	for i, ep := range endpoints {
		jobs[i] = Job{Endpoint: ep, Event: ev}
	}
	res := Result{Attempts: DeliverAll(ctx, c.deliverer, jobs, c.maxConcurrency, c.logger)}
	log.WithFields(map[string]any{
		"endpoints": len(endpoints),
		"succeeded": res.Succeeded(),
	}).Info("fan-out settled")
	return res, nil
}
