// Package fanout delivers a single payload to a set of independently
// configured HTTP endpoints, tolerating partial failure: endpoints that
// fail an attempt are packaged into a serializable continuation and handed
// to an external job queue for a delayed retry, narrowed to exactly the
// endpoints that failed.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/relaypoint/relaypoint/internal/endpoint"
	"github.com/relaypoint/relaypoint/internal/logging"
	"github.com/relaypoint/relaypoint/internal/payload"
	"github.com/relaypoint/relaypoint/internal/tracing"
)

// State is the terminal state of one fan-out attempt
type State string

const (
	// StateCompleted: every endpoint succeeded, nothing left to do
	StateCompleted State = "completed"
	// StateScheduled: a continuation for the failed subset was handed to
	// the job queue; the delivery resumes when the queue re-invokes it
	StateScheduled State = "scheduled"
	// StateExhausted: failures remain and the attempt budget ran out
	StateExhausted State = "exhausted"
)

const defaultConcurrency = 8

// Scheduler hands a continuation to the external job queue with a
// requested delay. The orchestrator holds nothing across the delay; the
// queue owns the continuation until it re-invokes Resume.
type Scheduler interface {
	Schedule(ctx context.Context, cont Continuation, delay time.Duration) error
}

// DeliveryContext carries everything needed to re-render the payload when a
// delivery is resumed from a continuation.
type DeliveryContext struct {
	ActionID string
	ClassID  string
	Data     map[string]any
}

// Config is the immutable per-class configuration of an orchestrator.
// Headers is an optional class-level header specification (any shape
// accepted by endpoint.Canonicalize) applied beneath each endpoint's own
// headers.
type Config struct {
	Policy      RetryPolicy
	Hooks       Hooks
	Headers     any
	Concurrency int
}

// Report is what one attempt produced: the full batch, the terminal state
// of the attempt, and the continuation when one was scheduled.
type Report struct {
	State        State
	Batch        Batch
	Continuation *Continuation
}

// Orchestrator drives one delivery attempt at a time: render, deliver,
// partition, dispatch callbacks, then either finish, schedule a narrowed
// retry, or declare exhaustion.
type Orchestrator struct {
	cfg       Config
	renderer  payload.Renderer
	sender    Sender
	scheduler Scheduler
	log       *logging.Logger
}

// New builds an orchestrator. The renderer and sender are required; a nil
// scheduler turns every would-be retry into a logged no-op, which is only
// useful in tests.
func New(cfg Config, renderer payload.Renderer, sender Sender, scheduler Scheduler) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Orchestrator{
		cfg:       cfg,
		renderer:  renderer,
		sender:    sender,
		scheduler: scheduler,
		log:       logging.New("relaypoint-fanout"),
	}
}

// Policy returns the orchestrator's retry policy
func (o *Orchestrator) Policy() RetryPolicy {
	return o.cfg.Policy
}

// Deliver runs the first attempt of a delivery over the full endpoint set.
// The only error it returns is a payload construction failure, which is
// fatal for the attempt and never retried; every per-endpoint failure is
// captured inside the report's batch instead.
func (o *Orchestrator) Deliver(ctx context.Context, dctx DeliveryContext, endpoints []endpoint.Endpoint) (Report, error) {
	return o.run(ctx, dctx, endpoints, 1)
}

// Resume runs the next attempt of a previously scheduled delivery, over
// only the endpoints the continuation carried.
func (o *Orchestrator) Resume(ctx context.Context, cont Continuation) (Report, error) {
	dctx := DeliveryContext{
		ActionID: cont.ActionID,
		ClassID:  cont.ClassID,
		Data:     cont.Context,
	}
	return o.run(ctx, dctx, cont.RemainingEndpoints, cont.Attempt+1)
}

func (o *Orchestrator) run(ctx context.Context, dctx DeliveryContext, endpoints []endpoint.Endpoint, attempt int) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "fanout.attempt",
		attribute.String("action", dctx.ActionID),
		attribute.String("class", dctx.ClassID),
		attribute.Int("attempt", attempt),
		attribute.Int("endpoints", len(endpoints)),
	)
	defer span.End()

	rendered, err := o.renderer.Render(dctx.ActionID, dctx.Data)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Report{}, fmt.Errorf("render payload for action %q: %w", dctx.ActionID, err)
	}
	body, err := json.Marshal(rendered)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Report{}, fmt.Errorf("serialize payload for action %q: %w", dctx.ActionID, err)
	}

	batch := o.attempt(ctx, endpoints, body, attempt)
	succeeded, failed := batch.Partition()
	span.SetAttributes(
		attribute.Int("succeeded", len(succeeded)),
		attribute.Int("failed", len(failed)),
	)

	o.dispatch(o.cfg.Hooks.OnDelivered, "on_delivered", succeeded)

	if len(failed) == 0 {
		tracing.AddSpanEvent(ctx, "fanout.completed")
		return Report{State: StateCompleted, Batch: batch}, nil
	}

	if attempt >= o.cfg.Policy.MaxRetries {
		tracing.AddSpanEvent(ctx, "fanout.exhausted", attribute.Int("attempt", attempt))
		o.log.WithContext(ctx).WithAction(dctx.ActionID).WithClass(dctx.ClassID).WithAttempt(attempt).
			WithField("failed", len(failed)).Warn("retry budget exhausted")
		o.dispatch(o.cfg.Hooks.OnExhausted, "on_exhausted", failed)
		return Report{State: StateExhausted, Batch: batch}, nil
	}

	cont := NewContinuation(dctx, endpoints, failed, attempt)
	delay := o.cfg.Policy.Delay(attempt)
	tracing.AddSpanEvent(ctx, "fanout.scheduled",
		attribute.Int("remaining", len(cont.RemainingEndpoints)),
		attribute.String("delay", delay.String()),
	)
	if o.scheduler == nil {
		o.log.WithContext(ctx).WithAction(dctx.ActionID).Warn("no scheduler configured, dropping continuation")
	} else if err := o.scheduler.Schedule(ctx, cont, delay); err != nil {
		// Scheduling failures never surface to the caller; the batch is
		// intact and the queue's own durability is out of scope here.
		tracing.SetSpanError(ctx, err)
		o.log.WithContext(ctx).WithAction(dctx.ActionID).WithAttempt(attempt).WithError(err).
			Error("continuation schedule failed")
	} else {
		o.log.WithContext(ctx).WithAction(dctx.ActionID).WithClass(dctx.ClassID).WithAttempt(attempt).
			WithFields(map[string]any{"remaining": len(cont.RemainingEndpoints), "delay": delay.String()}).
			Info("retry scheduled")
	}
	return Report{State: StateScheduled, Batch: batch, Continuation: &cont}, nil
}

// attempt delivers the payload to every endpoint with bounded parallelism.
// Results land in one slot per endpoint, written exactly once, so the batch
// stays attributable by identity regardless of completion order.
func (o *Orchestrator) attempt(ctx context.Context, endpoints []endpoint.Endpoint, body []byte, attempt int) Batch {
	results := make(Batch, len(endpoints))
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, ep := range endpoints {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ep endpoint.Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()
			headers := o.headersFor(ep, attempt)
			start := time.Now()
			resp := o.sender.Send(ctx, ep.URL, body, headers)
			results[i] = resultFrom(ep.URL, attempt, resp)
			results[i].Latency = time.Since(start)
			if !results[i].Success {
				o.log.WithContext(ctx).WithEndpoint(ep.URL).WithAttempt(attempt).
					WithFields(map[string]any{
						"status":     results[i].Status,
						"latency_ms": results[i].Latency.Milliseconds(),
					}).
					WithError(resp.Err).Warn("endpoint delivery failed")
			}
		}(i, ep)
	}
	wg.Wait()
	return results
}

// headersFor merges the class-level header spec with the endpoint's own
// headers, then applies the normalization defaults for this attempt.
func (o *Orchestrator) headersFor(ep endpoint.Endpoint, attempt int) map[string]string {
	merged := endpoint.Merge(endpoint.Canonicalize(o.cfg.Headers), ep.Headers)
	return endpoint.NormalizeHeaders(merged, attempt)
}
