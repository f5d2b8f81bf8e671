// Package metrics exposes Prometheus counters/gauges for the agent, scraped
// the same way the teacher's ws server exposes its connection metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "resale_agent_sessions_active",
		Help: "Number of account sessions currently registered.",
	})

	RepliesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resale_agent_replies_sent_total",
		Help: "Replies sent by the reply selector, by source.",
	}, []string{"source"})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resale_agent_deliveries_total",
		Help: "Auto-delivery attempts, by outcome.",
	}, []string{"outcome"})

	TokenRefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "resale_agent_token_refresh_failures_total",
		Help: "Non-benign token refresh failures across all accounts.",
	})

	NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resale_agent_notifications_dropped_total",
		Help: "Notifier sends that failed, by channel type.",
	}, []string{"channel_type"})

	WorkerTasksDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "resale_agent_worker_tasks_dropped_total",
		Help: "Cumulative tasks dropped by the worker pool due to a full queue.",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		RepliesSent,
		DeliveriesTotal,
		TokenRefreshFailures,
		NotificationsDropped,
		WorkerTasksDropped,
	)
}

// StartServer serves /metrics on addr until ctx is cancelled. Intended to
// run in its own goroutine from cmd/agent.
func StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
