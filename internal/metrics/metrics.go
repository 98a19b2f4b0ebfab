package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics aggregates the service counters.
type Metrics struct {
	registry      *prometheus.Registry
	BaselinesSet  prometheus.Counter
	ChecksRun     prometheus.Counter
	AlertsFired   prometheus.Counter
	SummariesSent prometheus.Counter
	FetchErrors   prometheus.Counter
	PersistErrors prometheus.Counter
}

// New registers the coindrift collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		BaselinesSet: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coindrift_baselines_set_total",
			Help: "Baselines captured, manual and scheduled.",
		}),
		ChecksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coindrift_checks_run_total",
			Help: "Drift check ticks executed.",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coindrift_alerts_fired_total",
			Help: "Threshold-breach alerts emitted.",
		}),
		SummariesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coindrift_summaries_sent_total",
			Help: "Daily summaries delivered.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coindrift_fetch_errors_total",
			Help: "Market data source failures.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coindrift_persist_errors_total",
			Help: "Persistence store failures.",
		}),
	}

	registry.MustRegister(
		m.BaselinesSet,
		m.ChecksRun,
		m.AlertsFired,
		m.SummariesSent,
		m.FetchErrors,
		m.PersistErrors,
	)
	return m
}

// Serve exposes /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, listen string, logger zerolog.Logger) error {
	if m == nil {
		return nil
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("listen", listen).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
