package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaypoint/relaypoint/internal/auth"
	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/endpoint"
)

// receiver simulates one flaky delivery target: it can fail its first N
// requests, delay responses, and verify the worker's signature and bearer
// headers. Useful for watching a fan-out narrow across retries.
type receiver struct {
	cfg config.Config

	mu       sync.Mutex
	reqCount int
}

func main() {
	cfg := config.FromEnv()
	rcv := &receiver{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func (rcv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	rcv.mu.Lock()
	rcv.reqCount++
	count := rcv.reqCount
	rcv.mu.Unlock()

	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	fr := rcv.cfg.FakeReceiver
	if fr.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(fr.ResponseDelayMS) * time.Millisecond)
	}

	if fr.EndpointSecret != "" {
		ts := r.Header.Get(rcv.cfg.Delivery.TimestampHeader)
		sig := r.Header.Get(rcv.cfg.Delivery.SignatureHeader)
		leeway := time.Duration(fr.SigningLeewaySeconds) * time.Second
		if ok, msg := verifySignature(fr.EndpointSecret, b, ts, sig, leeway); !ok {
			log.Printf("fake-receiver failed to verify signature: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if fr.BearerSecret != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		attempt, err := auth.VerifyDeliveryToken(fr.BearerSecret, token)
		if err != nil {
			log.Printf("fake-receiver failed to verify bearer token: %v", err)
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		if hdr := r.Header.Get(endpoint.AttemptHeader); hdr != "" && hdr != strconv.Itoa(attempt) {
			http.Error(w, "attempt header disagrees with token", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500; retries then drain them
	if count <= fr.FailFirstN {
		log.Printf("FAILING (%d/%d) attempt=%s body=%s", count, fr.FailFirstN,
			r.Header.Get(endpoint.AttemptHeader), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK attempt=%s headers=%d body=%q",
		r.Header.Get(endpoint.AttemptHeader), len(r.Header), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	now := time.Now().Unix()
	if abs64(now-unix) > int64(leeway.Seconds()) {
		return false, "timestamp too far from now (outside leeway)"
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate shortens a string for log output
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
