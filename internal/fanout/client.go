package fanout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/relaypoint/relaypoint/internal/auth"
	"github.com/relaypoint/relaypoint/internal/endpoint"
	"github.com/relaypoint/relaypoint/internal/logging"
)

// DefaultTimeout bounds each per-endpoint HTTP call
const DefaultTimeout = 10 * time.Second

// maxResponseBody caps how much of a response body is retained in a Result
const maxResponseBody = 64 << 10

// Sender performs one POST to one endpoint. Implementations must not treat
// HTTP error statuses as errors; Response.Err is reserved for transport
// failures.
type Sender interface {
	Send(ctx context.Context, url string, body []byte, headers map[string]string) Response
}

// SenderOption configures an HTTPSender
type SenderOption func(*HTTPSender)

// WithSigning enables HMAC-SHA256 signing of body||timestamp, emitted on
// the given signature and timestamp headers.
func WithSigning(secret, signatureHeader, timestampHeader string) SenderOption {
	return func(s *HTTPSender) {
		s.signingSecret = secret
		s.signatureHeader = signatureHeader
		s.timestampHeader = timestampHeader
	}
}

// WithBearer enables a minted HS256 bearer token on each request
func WithBearer(secret string, ttl time.Duration) SenderOption {
	return func(s *HTTPSender) {
		s.bearerSecret = secret
		s.bearerTTL = ttl
	}
}

// HTTPSender is the production Sender: one POST per endpoint with a bounded
// timeout, optional request signing, optional bearer tokens.
type HTTPSender struct {
	client          *http.Client
	signingSecret   string
	signatureHeader string
	timestampHeader string
	bearerSecret    string
	bearerTTL       time.Duration
	log             *logging.Logger
}

// NewHTTPSender builds a sender with the given per-request timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewHTTPSender(timeout time.Duration, opts ...SenderOption) *HTTPSender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &HTTPSender{
		client: &http.Client{Timeout: timeout},
		log:    logging.New("relaypoint-sender"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send performs the POST. Timeouts and other transport failures come back
// in Response.Err; any HTTP status, including 4xx/5xx, comes back as a
// status plus (truncated) body.
func (s *HTTPSender) Send(ctx context.Context, url string, body []byte, headers map[string]string) Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if s.signingSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(s.signingSecret))
		mac.Write(body)
		mac.Write([]byte(ts))
		req.Header.Set(s.timestampHeader, ts)
		req.Header.Set(s.signatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	if s.bearerSecret != "" {
		// Normalized requests always carry the attempt header; Atoi's zero
		// value covers callers that omit it.
		attempt, _ := strconv.Atoi(headers[endpoint.AttemptHeader])
		token, err := auth.MintDeliveryToken(s.bearerSecret, attempt, s.bearerTTL)
		if err != nil {
			s.log.Plain().WithEndpoint(url).WithError(err).Warn("bearer token mint failed, sending without")
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{Err: err}
	}
	defer resp.Body.Close()

	b, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if readErr != nil {
		s.log.Plain().WithEndpoint(url).WithError(readErr).Warn("response body read failed")
	}
	return Response{Status: resp.StatusCode, Body: string(b)}
}
