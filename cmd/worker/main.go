package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/fanout"
	"github.com/relaypoint/relaypoint/internal/health"
	"github.com/relaypoint/relaypoint/internal/logging"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/payload"
	"github.com/relaypoint/relaypoint/internal/queue"
	"github.com/relaypoint/relaypoint/internal/store"
	"github.com/relaypoint/relaypoint/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("relaypoint-worker")

	shutdown, err := tracing.InitTracing(ctx, "relaypoint-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := store.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}
	st := store.New(pool)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nsqdHTTPAddr(cfg.NSQ.NsqdTCPAddr)))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// Producer first: retries of consumed tasks publish through it
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()
	scheduler := queue.NewScheduler(producer, cfg.NSQ.FanoutTopic)

	renderer := buildRenderer(cfg, logger)
	sender := buildSender(cfg)
	policy := buildPolicy(cfg.Delivery)

	conf := nsq.NewConfig()
	conf.MaxInFlight = 256
	consumer, err := nsq.NewConsumer(cfg.NSQ.FanoutTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	startBacklogMonitor(cfg)

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		// Retries ride on deferred publishes of narrowed continuations, so
		// the message itself is always finished, never requeued.
		m.DisableAutoResponse()
		defer func() {
			if !m.HasResponded() {
				m.Finish()
			}
		}()

		var task fanout.Continuation
		if err := json.Unmarshal(m.Body, &task); err != nil {
			logger.Plain().WithError(err).Error("bad fanout task payload")
			m.Finish() // terminal: don't retry undecodable tasks
			return nil
		}
		if task.ClassID == "" {
			task.ClassID = cfg.Delivery.Class
		}

		ctx := tracing.ExtractQueueHeaders(ctx, task.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "worker.fanout",
			attribute.String("action", task.ActionID),
			attribute.String("class", task.ClassID),
			attribute.Int("attempt", task.Attempt),
		)
		defer span.End()

		// Hooks close over the task so bookkeeping lands under the right
		// action; the orchestrator itself is cheap, immutable state.
		hooks := fanout.Hooks{
			OnDelivered: fanout.CallbackFunc(func(_ *fanout.Orchestrator, delivered fanout.Batch) {
				for _, r := range delivered {
					metrics.RecordDelivery("delivered", task.ClassID, r.Latency)
				}
			}),
			OnExhausted: fanout.CallbackFunc(func(_ *fanout.Orchestrator, failed fanout.Batch) {
				for _, r := range failed {
					metrics.RecordExhausted(task.ClassID)
					logger.WithContext(ctx).WithAction(task.ActionID).WithEndpoint(r.URL).
						WithAttempt(r.Attempt).WithField("reason", r.Reason()).Warn("delivery exhausted")
				}
				if err := st.RecordExhausted(ctx, task.ActionID, task.ClassID, failed); err != nil {
					logger.WithContext(ctx).WithAction(task.ActionID).WithError(err).Error("record exhausted failed")
					tracing.SetSpanError(ctx, err)
				}
			}),
		}

		orch := fanout.New(fanout.Config{
			Policy:      policy,
			Hooks:       hooks,
			Concurrency: cfg.Delivery.Concurrency,
		}, renderer, sender, scheduler)

		var report fanout.Report
		var runErr error
		if task.Attempt == 0 {
			endpoints := task.RemainingEndpoints
			if len(endpoints) == 0 {
				endpoints, runErr = st.Endpoints(ctx, task.ClassID)
				if runErr != nil {
					logger.WithContext(ctx).WithAction(task.ActionID).WithError(runErr).Error("endpoint lookup failed")
					tracing.SetSpanError(ctx, runErr)
					m.Requeue(-1) // transient infrastructure failure, let NSQ retry the task
					return nil
				}
			}
			report, runErr = orch.Deliver(ctx, fanout.DeliveryContext{
				ActionID: task.ActionID,
				ClassID:  task.ClassID,
				Data:     task.Context,
			}, endpoints)
		} else {
			report, runErr = orch.Resume(ctx, task)
		}
		if runErr != nil {
			// Payload construction failures are terminal for the attempt;
			// there is nothing endpoint-level to retry.
			logger.WithContext(ctx).WithAction(task.ActionID).WithError(runErr).Error("fanout attempt failed")
			tracing.SetSpanError(ctx, runErr)
			metrics.RecordFanout("failed", task.ClassID)
			m.Finish()
			return nil
		}

		span.SetAttributes(attribute.String("fanout.state", string(report.State)))
		metrics.RecordFanout(string(report.State), task.ClassID)
		_, failed := report.Batch.Partition()
		for _, r := range failed {
			metrics.RecordDelivery("failed", task.ClassID, r.Latency)
			if report.State == fanout.StateScheduled {
				metrics.RecordRetry(r.Reason())
			}
		}
		if err := st.RecordBatch(ctx, task.ActionID, task.ClassID, report.Batch); err != nil {
			logger.WithContext(ctx).WithAction(task.ActionID).WithError(err).Error("record batch failed")
			tracing.SetSpanError(ctx, err)
		}

		m.Finish()
		return nil
	}))

	// Connecting directly to NSQD forces channel creation, instead of the
	// channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// buildPolicy maps the delivery config onto a retry policy
func buildPolicy(d config.Delivery) fanout.RetryPolicy {
	policy := fanout.RetryPolicy{
		MaxRetries: d.MaxRetries,
		BaseDelay:  d.BaseDelay,
		Backoff:    fanout.Backoff(d.Backoff),
		Jitter:     d.Jitter,
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return policy
}

func buildRenderer(cfg config.Config, logger *logging.Logger) payload.Renderer {
	if cfg.Delivery.TemplateDir == "" {
		return payload.ContextRenderer{}
	}
	renderer, err := payload.NewTemplateRenderer(cfg.Delivery.TemplateDir)
	if err != nil {
		logger.Plain().WithError(err).Fatal("payload template load failed")
	}
	return renderer
}

func buildSender(cfg config.Config) *fanout.HTTPSender {
	var opts []fanout.SenderOption
	if cfg.Delivery.SigningSecret != "" {
		opts = append(opts, fanout.WithSigning(
			cfg.Delivery.SigningSecret,
			cfg.Delivery.SignatureHeader,
			cfg.Delivery.TimestampHeader,
		))
	}
	if cfg.Delivery.BearerSecret != "" {
		opts = append(opts, fanout.WithBearer(cfg.Delivery.BearerSecret, cfg.Delivery.BearerTTL))
	}
	return fanout.NewHTTPSender(cfg.Delivery.Timeout, opts...)
}

// nsqdHTTPAddr maps the nsqd TCP address to its HTTP sibling port
func nsqdHTTPAddr(tcpAddr string) string {
	return strings.Replace(tcpAddr, ":4150", ":4151", 1)
}

// startBacklogMonitor periodically polls nsqd stats into backlog gauges
func startBacklogMonitor(cfg config.Config) {
	go func() {
		logger := logging.New("relaypoint-worker-monitor")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}

		for range ticker.C {
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr(cfg.NSQ.NsqdTCPAddr)))
			if err != nil {
				logger.Plain().WithError(err).Error("Failed to get NSQ stats")
				continue
			}

			var stats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name  string `json:"channel_name"`
						Depth int64  `json:"depth"`
					} `json:"channels"`
				} `json:"topics"`
			}

			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, topic := range stats.Topics {
				if topic.Name != cfg.NSQ.FanoutTopic {
					continue
				}
				for _, channel := range topic.Channels {
					if channel.Name == cfg.NSQ.WorkerChannel {
						metrics.UpdateWorkerBacklog(float64(channel.Depth))
					}
					metrics.UpdateQueueTopicDepth(topic.Name, channel.Name, float64(channel.Depth))
				}
			}
		}
	}()
}
