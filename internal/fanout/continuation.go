package fanout

import (
	"github.com/relaypoint/relaypoint/internal/endpoint"
)

// Continuation is the serializable state handed to the job queue when an
// attempt leaves failures behind with budget remaining. It carries only the
// endpoints that failed the attempt that produced it plus the context
// needed to re-render the payload, so the retry narrows to exactly what
// failed. The same shape doubles as the wire format for fresh fan-out
// tasks, which arrive with Attempt set to zero.
type Continuation struct {
	ActionID           string              `json:"action_identifier"`
	RemainingEndpoints []endpoint.Endpoint `json:"remaining_endpoints"`
	Attempt            int                 `json:"attempt"`
	Context            map[string]any      `json:"context,omitempty"`
	ClassID            string              `json:"class_identifier"`
	TraceHeaders       map[string]string   `json:"trace_headers,omitempty"`
}

// NewContinuation packages the failed subset of an attempt. The remaining
// endpoints are matched by URL identity against the attempted set, which
// preserves each endpoint's headers and the original ordering.
func NewContinuation(dctx DeliveryContext, endpoints []endpoint.Endpoint, failed Batch, attempt int) Continuation {
	failedURLs := make(map[string]bool, len(failed))
	for _, r := range failed {
		failedURLs[r.URL] = true
	}

	remaining := make([]endpoint.Endpoint, 0, len(failed))
	for _, ep := range endpoints {
		if failedURLs[ep.URL] {
			remaining = append(remaining, ep)
		}
	}

	return Continuation{
		ActionID:           dctx.ActionID,
		RemainingEndpoints: remaining,
		Attempt:            attempt,
		Context:            dctx.Data,
		ClassID:            dctx.ClassID,
	}
}
