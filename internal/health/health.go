package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Queue    bool   `json:"queue,omitempty"`
}

// HTTPHandler reports liveness plus the reachability of the database pool
// and the nsqd HTTP endpoint, either of which may be absent.
func HTTPHandler(pool *pgxpool.Pool, nsqdHTTPAddr string) http.HandlerFunc {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: pool != nil, Queue: nsqdHTTPAddr != ""}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		if nsqdHTTPAddr != "" {
			resp, err := client.Get("http://" + nsqdHTTPAddr + "/ping")
			if err != nil || resp.StatusCode != http.StatusOK {
				st.OK = false
				st.Message = "nsqd ping failed"
				st.Queue = false
			}
			if resp != nil {
				_ = resp.Body.Close()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
