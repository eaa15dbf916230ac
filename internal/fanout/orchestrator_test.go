package fanout

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/relaypoint/relaypoint/internal/endpoint"
)

// fakeRenderer returns a canned payload, or a canned error
type fakeRenderer struct {
	payload any
	err     error
}

func (f fakeRenderer) Render(action string, context map[string]any) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.payload != nil {
		return f.payload, nil
	}
	return map[string]any{"action": action}, nil
}

// fakeSender answers each URL from a canned response table and records the
// headers it was called with. URLs missing from the table get a 200.
type fakeSender struct {
	mu        sync.Mutex
	responses map[string]Response
	headers   map[string][]map[string]string
	calls     int
	delay     time.Duration
}

func (f *fakeSender) Send(_ context.Context, url string, _ []byte, headers map[string]string) Response {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.headers == nil {
		f.headers = make(map[string][]map[string]string)
	}
	f.headers[url] = append(f.headers[url], headers)
	if resp, ok := f.responses[url]; ok {
		return resp
	}
	return Response{Status: 200, Body: "ok"}
}

// fakeScheduler records scheduled continuations
type fakeScheduler struct {
	mu     sync.Mutex
	conts  []Continuation
	delays []time.Duration
	err    error
}

func (f *fakeScheduler) Schedule(_ context.Context, cont Continuation, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.conts = append(f.conts, cont)
	f.delays = append(f.delays, delay)
	return nil
}

// hookRecorder captures callback invocations
type hookRecorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (h *hookRecorder) callback() Callback {
	return CallbackFunc(func(_ *Orchestrator, results Batch) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.batches = append(h.batches, results)
	})
}

func endpointsFor(urls ...string) []endpoint.Endpoint {
	eps := make([]endpoint.Endpoint, len(urls))
	for i, u := range urls {
		eps[i] = endpoint.Endpoint{URL: u}
	}
	return eps
}

func sortedURLs(b Batch) []string {
	urls := b.URLs()
	sort.Strings(urls)
	return urls
}

func testPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Second, Backoff: BackoffFixed}
}

func TestDeliverAllSucceed(t *testing.T) {
	sender := &fakeSender{}
	sched := &fakeScheduler{}
	delivered := &hookRecorder{}
	exhausted := &hookRecorder{}

	o := New(Config{
		Policy: testPolicy(3),
		Hooks:  Hooks{OnDelivered: delivered.callback(), OnExhausted: exhausted.callback()},
	}, fakeRenderer{}, sender, sched)

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"}, endpointsFor("u1", "u2", "u3"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if report.State != StateCompleted {
		t.Errorf("State = %q, want %q", report.State, StateCompleted)
	}
	if len(report.Batch) != 3 {
		t.Errorf("Batch size = %d, want 3", len(report.Batch))
	}
	for _, r := range report.Batch {
		if !r.Success || r.Attempt != 1 {
			t.Errorf("result %+v, want success at attempt 1", r)
		}
	}
	if len(delivered.batches) != 1 || len(delivered.batches[0]) != 3 {
		t.Errorf("on_delivered batches = %v, want one batch of 3", delivered.batches)
	}
	if len(exhausted.batches) != 0 {
		t.Errorf("on_exhausted fired: %v", exhausted.batches)
	}
	if len(sched.conts) != 0 {
		t.Errorf("continuation scheduled for fully successful attempt: %v", sched.conts)
	}
}

func TestDeliverPartialFailureNarrows(t *testing.T) {
	// A and B return 200, C times out: the continuation carries only C.
	sender := &fakeSender{responses: map[string]Response{
		"https://c.example": {Err: errors.New("timeout awaiting response")},
	}}
	sched := &fakeScheduler{}
	delivered := &hookRecorder{}

	o := New(Config{
		Policy: testPolicy(3),
		Hooks:  Hooks{OnDelivered: delivered.callback()},
	}, fakeRenderer{}, sender, sched)

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a", ClassID: "default"},
		endpointsFor("https://a.example", "https://b.example", "https://c.example"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if report.State != StateScheduled {
		t.Fatalf("State = %q, want %q", report.State, StateScheduled)
	}
	if len(delivered.batches) != 1 {
		t.Fatalf("on_delivered fired %d times, want 1", len(delivered.batches))
	}
	if got := sortedURLs(delivered.batches[0]); !reflect.DeepEqual(got, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("on_delivered subset = %v", got)
	}

	if len(sched.conts) != 1 {
		t.Fatalf("scheduled %d continuations, want 1", len(sched.conts))
	}
	cont := sched.conts[0]
	if cont.Attempt != 1 {
		t.Errorf("continuation attempt = %d, want 1", cont.Attempt)
	}
	if len(cont.RemainingEndpoints) != 1 || cont.RemainingEndpoints[0].URL != "https://c.example" {
		t.Errorf("remaining endpoints = %v, want only C", cont.RemainingEndpoints)
	}
	if report.Continuation == nil || report.Continuation.Attempt != 1 {
		t.Errorf("report continuation = %+v", report.Continuation)
	}

	// Resume processes only C
	sender.responses = nil
	resumeReport, err := o.Resume(context.Background(), cont)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumeReport.State != StateCompleted {
		t.Errorf("resume State = %q, want %q", resumeReport.State, StateCompleted)
	}
	if len(resumeReport.Batch) != 1 || resumeReport.Batch[0].URL != "https://c.example" {
		t.Errorf("resume batch = %v, want only C", resumeReport.Batch)
	}
	if resumeReport.Batch[0].Attempt != 2 {
		t.Errorf("resume attempt = %d, want 2", resumeReport.Batch[0].Attempt)
	}
}

func TestDeliverExhaustionFiresOnce(t *testing.T) {
	// Single endpoint returns 500 on all 3 allowed attempts.
	sender := &fakeSender{responses: map[string]Response{
		"https://down.example": {Status: 500, Body: "boom"},
	}}
	sched := &fakeScheduler{}
	exhausted := &hookRecorder{}

	o := New(Config{
		Policy: testPolicy(3),
		Hooks:  Hooks{OnExhausted: exhausted.callback()},
	}, fakeRenderer{}, sender, sched)

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"}, endpointsFor("https://down.example"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	for report.State == StateScheduled {
		report, err = o.Resume(context.Background(), *report.Continuation)
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
	}

	if report.State != StateExhausted {
		t.Fatalf("final State = %q, want %q", report.State, StateExhausted)
	}
	if len(sched.conts) != 2 {
		t.Errorf("scheduled %d continuations, want 2 (attempts 1 and 2)", len(sched.conts))
	}
	if len(exhausted.batches) != 1 {
		t.Fatalf("on_exhausted fired %d times, want exactly once", len(exhausted.batches))
	}
	final := exhausted.batches[0]
	if len(final) != 1 || final[0].Attempt != 3 {
		t.Errorf("exhausted subset = %+v, want one result at attempt 3", final)
	}
	if final[0].Status != 500 {
		t.Errorf("exhausted status = %d, want 500", final[0].Status)
	}
}

func TestDeliver4xxRetriesLikeAnyFailure(t *testing.T) {
	// No permanent-failure short-circuit: a 404 schedules a retry exactly
	// like a 500 or a transport error would.
	sender := &fakeSender{responses: map[string]Response{
		"https://gone.example": {Status: 404, Body: "not found"},
	}}
	sched := &fakeScheduler{}

	o := New(Config{Policy: testPolicy(3)}, fakeRenderer{}, sender, sched)

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"}, endpointsFor("https://gone.example"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.State != StateScheduled {
		t.Errorf("State = %q, want %q for 4xx", report.State, StateScheduled)
	}
}

func TestDeliverRenderErrorIsFatal(t *testing.T) {
	renderErr := errors.New("no such template")
	sender := &fakeSender{}
	sched := &fakeScheduler{}

	o := New(Config{Policy: testPolicy(3)}, fakeRenderer{err: renderErr}, sender, sched)

	_, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "missing"}, endpointsFor("u1"))
	if err == nil {
		t.Fatal("Deliver() error = nil, want render failure")
	}
	if !errors.Is(err, renderErr) {
		t.Errorf("Deliver() error = %v, want wrapped %v", err, renderErr)
	}
	if sender.calls != 0 {
		t.Errorf("sender called %d times despite render failure", sender.calls)
	}
	if len(sched.conts) != 0 {
		t.Errorf("continuation scheduled despite render failure: %v", sched.conts)
	}
}

func TestDeliverCallbackPanicDoesNotDisturbPipeline(t *testing.T) {
	sender := &fakeSender{responses: map[string]Response{
		"https://down.example": {Status: 500},
	}}
	sched := &fakeScheduler{}

	o := New(Config{
		Policy: testPolicy(3),
		Hooks: Hooks{OnDelivered: CallbackFunc(func(_ *Orchestrator, _ Batch) {
			panic("hook exploded")
		})},
	}, fakeRenderer{}, sender, sched)

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"},
		endpointsFor("https://up.example", "https://down.example"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.State != StateScheduled {
		t.Errorf("State = %q, want %q after callback panic", report.State, StateScheduled)
	}
	if len(sched.conts) != 1 {
		t.Errorf("continuation not scheduled after callback panic")
	}
	if len(report.Batch) != 2 {
		t.Errorf("batch corrupted after callback panic: %v", report.Batch)
	}
}

func TestDeliverSchedulerErrorDoesNotSurface(t *testing.T) {
	sender := &fakeSender{responses: map[string]Response{
		"https://down.example": {Status: 500},
	}}
	sched := &fakeScheduler{err: errors.New("nsqd unreachable")}

	o := New(Config{Policy: testPolicy(3)}, fakeRenderer{}, sender, sched)

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"}, endpointsFor("https://down.example"))
	if err != nil {
		t.Fatalf("Deliver() error = %v, scheduler failures must not surface", err)
	}
	if report.State != StateScheduled {
		t.Errorf("State = %q, want %q", report.State, StateScheduled)
	}
}

func TestDeliverZeroBudgetExhaustsImmediately(t *testing.T) {
	sender := &fakeSender{responses: map[string]Response{
		"https://down.example": {Status: 500},
	}}
	sched := &fakeScheduler{}
	exhausted := &hookRecorder{}

	o := New(Config{
		Policy: testPolicy(1),
		Hooks:  Hooks{OnExhausted: exhausted.callback()},
	}, fakeRenderer{}, sender, sched)

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"}, endpointsFor("https://down.example"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.State != StateExhausted {
		t.Errorf("State = %q, want %q with a single-attempt budget", report.State, StateExhausted)
	}
	if len(exhausted.batches) != 1 {
		t.Errorf("on_exhausted fired %d times, want 1", len(exhausted.batches))
	}
	if len(sched.conts) != 0 {
		t.Errorf("continuation scheduled alongside exhaustion: %v", sched.conts)
	}
}

func TestAttemptHeadersInjected(t *testing.T) {
	sender := &fakeSender{}
	o := New(Config{
		Policy:  testPolicy(3),
		Headers: map[string]string{"X-Class": "class-level"},
	}, fakeRenderer{}, sender, &fakeScheduler{})

	_, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"},
		[]endpoint.Endpoint{{URL: "u1", Headers: map[string]string{"X-Class": "endpoint-level", "X-Own": "1"}}})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	sent := sender.headers["u1"]
	if len(sent) != 1 {
		t.Fatalf("sender called %d times for u1, want 1", len(sent))
	}
	h := sent[0]
	if h[endpoint.ContentTypeHeader] != "application/json" {
		t.Errorf("content type = %q", h[endpoint.ContentTypeHeader])
	}
	if h[endpoint.AttemptHeader] != "1" {
		t.Errorf("attempt header = %q, want %q", h[endpoint.AttemptHeader], "1")
	}
	if h["X-Class"] != "endpoint-level" {
		t.Errorf("endpoint headers should override class headers, got %q", h["X-Class"])
	}
	if h["X-Own"] != "1" {
		t.Errorf("endpoint header dropped: %v", h)
	}
}

func TestAttemptMeasuresLatency(t *testing.T) {
	// Every result carries the measured send latency, success or not, so
	// downstream bookkeeping can feed duration metrics from the batch.
	sender := &fakeSender{
		delay: 5 * time.Millisecond,
		responses: map[string]Response{
			"https://down.example": {Status: 500},
		},
	}
	o := New(Config{Policy: testPolicy(3)}, fakeRenderer{}, sender, &fakeScheduler{})

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"},
		endpointsFor("https://up.example", "https://down.example"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	for _, r := range report.Batch {
		if r.Latency < 5*time.Millisecond {
			t.Errorf("result %s latency = %v, want >= 5ms", r.URL, r.Latency)
		}
	}
}

func TestAttemptResultsAttributableByURL(t *testing.T) {
	// Concurrent delivery must attribute results by endpoint identity.
	responses := map[string]Response{
		"u2": {Status: 500},
		"u4": {Err: errors.New("connection refused")},
	}
	sender := &fakeSender{responses: responses}
	o := New(Config{Policy: testPolicy(3), Concurrency: 3}, fakeRenderer{}, sender, &fakeScheduler{})

	report, err := o.Deliver(context.Background(), DeliveryContext{ActionID: "a"},
		endpointsFor("u1", "u2", "u3", "u4", "u5"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	byURL := make(map[string]Result, len(report.Batch))
	for _, r := range report.Batch {
		byURL[r.URL] = r
	}
	if len(byURL) != 5 {
		t.Fatalf("batch has %d unique URLs, want 5", len(byURL))
	}
	if byURL["u2"].Status != 500 || byURL["u2"].Success {
		t.Errorf("u2 result misattributed: %+v", byURL["u2"])
	}
	if byURL["u4"].Error == "" || byURL["u4"].Success {
		t.Errorf("u4 result misattributed: %+v", byURL["u4"])
	}
	for _, u := range []string{"u1", "u3", "u5"} {
		if !byURL[u].Success {
			t.Errorf("%s result misattributed: %+v", u, byURL[u])
		}
	}
}
