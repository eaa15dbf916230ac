package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/fanout"
	"github.com/relaypoint/relaypoint/internal/logging"
	"github.com/relaypoint/relaypoint/internal/payload"
)

func TestBuildPolicy(t *testing.T) {
	tests := []struct {
		name     string
		delivery config.Delivery
		want     fanout.RetryPolicy
	}{
		{
			name: "standard exponential config",
			delivery: config.Delivery{
				MaxRetries: 3,
				BaseDelay:  10 * time.Second,
				Backoff:    "exponential",
				Jitter:     time.Second,
			},
			want: fanout.RetryPolicy{
				MaxRetries: 3,
				BaseDelay:  10 * time.Second,
				Backoff:    fanout.BackoffExponential,
				Jitter:     time.Second,
			},
		},
		{
			name: "fixed backoff",
			delivery: config.Delivery{
				MaxRetries: 5,
				BaseDelay:  2 * time.Second,
				Backoff:    "fixed",
			},
			want: fanout.RetryPolicy{
				MaxRetries: 5,
				BaseDelay:  2 * time.Second,
				Backoff:    fanout.BackoffFixed,
			},
		},
		{
			name: "negative retries clamped to zero",
			delivery: config.Delivery{
				MaxRetries: -1,
				BaseDelay:  time.Second,
				Backoff:    "linear",
			},
			want: fanout.RetryPolicy{
				MaxRetries: 0,
				BaseDelay:  time.Second,
				Backoff:    fanout.BackoffLinear,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildPolicy(tt.delivery); got != tt.want {
				t.Errorf("buildPolicy() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNsqdHTTPAddr(t *testing.T) {
	tests := []struct {
		tcpAddr string
		want    string
	}{
		{"nsqd:4150", "nsqd:4151"},
		{"localhost:4150", "localhost:4151"},
		{"nsqd:4250", "nsqd:4250"},
	}

	for _, tt := range tests {
		if got := nsqdHTTPAddr(tt.tcpAddr); got != tt.want {
			t.Errorf("nsqdHTTPAddr(%q) = %q, want %q", tt.tcpAddr, got, tt.want)
		}
	}
}

func TestBuildRenderer(t *testing.T) {
	logger := logging.New("test")

	var cfg config.Config
	if _, ok := buildRenderer(cfg, logger).(payload.ContextRenderer); !ok {
		t.Error("empty template dir should build a ContextRenderer")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.json.tmpl"), []byte(`{"ok": true}`), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg.Delivery.TemplateDir = dir
	if _, ok := buildRenderer(cfg, logger).(*payload.TemplateRenderer); !ok {
		t.Error("configured template dir should build a TemplateRenderer")
	}
}

func TestBuildSender(t *testing.T) {
	var cfg config.Config
	cfg.Delivery.Timeout = 5 * time.Second
	cfg.Delivery.SigningSecret = "hush"
	cfg.Delivery.SignatureHeader = "X-Relaypoint-Signature"
	cfg.Delivery.TimestampHeader = "X-Relaypoint-Timestamp"
	cfg.Delivery.BearerSecret = "token-secret"
	cfg.Delivery.BearerTTL = time.Minute

	if buildSender(cfg) == nil {
		t.Error("buildSender() returned nil")
	}
}
