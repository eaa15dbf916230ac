package fanout

import (
	"strings"
	"time"
)

// Result records the outcome of delivering one payload to one endpoint on
// one attempt. For a failed result exactly one of (Status, Body) or Error
// is populated: HTTP error statuses keep their status/body, transport
// failures carry only the error text.
type Result struct {
	URL     string        `json:"url"`
	Success bool          `json:"success"`
	Status  int           `json:"status,omitempty"`
	Body    string        `json:"body,omitempty"`
	Error   string        `json:"error,omitempty"`
	Attempt int           `json:"attempt"`
	Latency time.Duration `json:"-"`
}

// Batch is the set of results produced by one attempt over one endpoint set
type Batch []Result

// Response is the raw outcome of one HTTP delivery as reported by a Sender.
// Err is set only for transport failures (timeout, DNS, connection
// refused); ordinary HTTP error statuses arrive as Status with Err nil.
type Response struct {
	Status int
	Body   string
	Err    error
}

// resultFrom classifies a raw send outcome into a Result
func resultFrom(url string, attempt int, resp Response) Result {
	if resp.Err != nil {
		return Result{URL: url, Attempt: attempt, Error: resp.Err.Error()}
	}
	return Result{
		URL:     url,
		Success: resp.Status >= 200 && resp.Status < 300,
		Status:  resp.Status,
		Body:    resp.Body,
		Attempt: attempt,
	}
}

// Partition splits the batch into succeeded and failed subsets. The split
// is total and disjoint: every result lands in exactly one subset. A result
// succeeded iff the HTTP layer reported 2xx with no transport error; 4xx,
// 5xx and transport failures are all failed and equally retry-eligible.
func (b Batch) Partition() (succeeded, failed Batch) {
	for _, r := range b {
		if r.Success {
			succeeded = append(succeeded, r)
		} else {
			failed = append(failed, r)
		}
	}
	return succeeded, failed
}

// URLs returns the endpoint URLs of the batch in order
func (b Batch) URLs() []string {
	urls := make([]string, len(b))
	for i, r := range b {
		urls[i] = r.URL
	}
	return urls
}

// Reason buckets a failed result for metrics
func (r Result) Reason() string {
	if r.Error != "" {
		errLower := strings.ToLower(r.Error)
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	switch {
	case r.Status >= 500:
		return "http_5xx"
	case r.Status == 429:
		return "http_429"
	case r.Status >= 400:
		return "http_4xx"
	}
	return "other"
}
