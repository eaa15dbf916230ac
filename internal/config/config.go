package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	FanoutTopic    string // NSQ topic carrying fan-out tasks and retry continuations
	WorkerChannel  string // NSQ channel name for workers
}

// Delivery holds the per-class delivery configuration. There is one class
// per worker process for now; multi-class workers would carry a map of these.
type Delivery struct {
	Class           string        // delivery class identifier stamped into continuations
	MaxRetries      int           // total attempt budget per endpoint set
	BaseDelay       time.Duration // backoff base delay
	Backoff         string        // fixed | linear | exponential
	Jitter          time.Duration // additive jitter upper bound
	Timeout         time.Duration // per-endpoint HTTP timeout
	Concurrency     int           // per-attempt endpoint delivery parallelism
	TemplateDir     string        // payload template directory; empty means echo the context
	SigningSecret   string        // HMAC signing secret for outbound requests; empty disables
	BearerSecret    string        // HS256 secret for outbound bearer tokens; empty disables
	BearerTTL       time.Duration // lifetime of minted bearer tokens
	SignatureHeader string        // header carrying the HMAC signature
	TimestampHeader string        // header carrying the signing timestamp
}

type Worker struct {
	HTTPPort string // worker HTTP health/metrics port
}

type FakeReceiver struct {
	FailFirstN           int           // number of requests to fail initially
	EndpointSecret       string        // secret for signature verification
	BearerSecret         string        // secret for bearer token verification
	SigningLeewaySeconds int           // allowed timestamp skew in seconds
	ResponseDelayMS      int           // simulated response delay in milliseconds
	Port                 string        // server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Delivery     Delivery
	Worker       Worker
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseBackoffKind validates the configured backoff kind, falling back to
// exponential on anything unrecognized.
func parseBackoffKind(kind string) string {
	switch kind {
	case "fixed", "linear", "exponential":
		return kind
	}
	return "exponential"
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "relaypoint"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "relaypoint"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			FanoutTopic:    getenv("NSQ_FANOUT_TOPIC", "fanouts"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Delivery: Delivery{
			Class:           getenv("DELIVERY_CLASS", "default"),
			MaxRetries:      getenvInt("MAX_RETRIES", 3),
			BaseDelay:       getenvDuration("BACKOFF_BASE_DELAY", 10*time.Second),
			Backoff:         parseBackoffKind(getenv("BACKOFF_KIND", "exponential")),
			Jitter:          getenvDuration("BACKOFF_JITTER", time.Second),
			Timeout:         getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			Concurrency:     getenvInt("DELIVERY_CONCURRENCY", 8),
			TemplateDir:     getenv("PAYLOAD_TEMPLATE_DIR", ""),
			SigningSecret:   getenv("DELIVERY_SIGNING_SECRET", ""),
			BearerSecret:    getenv("DELIVERY_BEARER_SECRET", ""),
			BearerTTL:       getenvDuration("DELIVERY_BEARER_TTL", 2*time.Minute),
			SignatureHeader: getenv("DELIVERY_SIGNATURE_HEADER", "X-Relaypoint-Signature"),
			TimestampHeader: getenv("DELIVERY_TIMESTAMP_HEADER", "X-Relaypoint-Timestamp"),
		},
		Worker: Worker{
			HTTPPort: ":" + getenv("WORKER_HTTP_PORT", "8082"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			BearerSecret:         getenv("RECEIVER_BEARER_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
