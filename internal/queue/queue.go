// Package queue adapts NSQ into the job-queue collaborator the fan-out
// core schedules retries through. The computed backoff rides on NSQ's
// deferred publish; the worker holds nothing across the delay.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/relaypoint/relaypoint/internal/fanout"
	"github.com/relaypoint/relaypoint/internal/logging"
	"github.com/relaypoint/relaypoint/internal/tracing"
)

// Publisher is the slice of *nsq.Producer the scheduler needs
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

var _ Publisher = (*nsq.Producer)(nil)

// Scheduler publishes continuations to the fan-out topic
type Scheduler struct {
	prod  Publisher
	topic string
	log   *logging.Logger
}

// NewScheduler wraps a producer for the given topic
func NewScheduler(prod Publisher, topic string) *Scheduler {
	return &Scheduler{
		prod:  prod,
		topic: topic,
		log:   logging.New("relaypoint-queue"),
	}
}

// Schedule hands a continuation to NSQ with the requested delay. Trace
// context is stamped into the continuation so the retry attempt continues
// the originating trace. A zero delay publishes immediately, which is how
// fresh fan-out tasks enter the topic.
func (s *Scheduler) Schedule(ctx context.Context, cont fanout.Continuation, delay time.Duration) error {
	cont.TraceHeaders = tracing.InjectQueueHeaders(ctx)
	body, err := json.Marshal(cont)
	if err != nil {
		return fmt.Errorf("marshal continuation for action %q: %w", cont.ActionID, err)
	}

	if delay <= 0 {
		if err := s.prod.Publish(s.topic, body); err != nil {
			return fmt.Errorf("publish to %s: %w", s.topic, err)
		}
	} else {
		if err := s.prod.DeferredPublish(s.topic, delay, body); err != nil {
			return fmt.Errorf("deferred publish to %s: %w", s.topic, err)
		}
	}

	s.log.WithContext(ctx).WithAction(cont.ActionID).WithClass(cont.ClassID).WithAttempt(cont.Attempt).
		WithFields(map[string]any{
			"topic":     s.topic,
			"delay":     delay.String(),
			"endpoints": len(cont.RemainingEndpoints),
		}).Debug("continuation published")
	return nil
}

// Enqueue publishes a fresh fan-out task (attempt zero, full endpoint set)
func (s *Scheduler) Enqueue(ctx context.Context, cont fanout.Continuation) error {
	cont.Attempt = 0
	return s.Schedule(ctx, cont, 0)
}
