package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adalundhe/agentgate/core/circuit"
)

const namespace = "agentgate"

// PrometheusRecorder implements Recorder on its own registry so several
// gates (and tests) can coexist in one process.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	admittedTotal  *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec
	finishedTotal  *prometheus.CounterVec
	recoveredTotal *prometheus.CounterVec
	breakerTrips   *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	activeAgents   prometheus.Gauge
	queueDepth     prometheus.Gauge
	queueWait      *prometheus.HistogramVec
	executionTime  *prometheus.HistogramVec
}

func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		admittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admitted_total",
				Help:      "Tasks admitted for execution by agent type",
			},
			[]string{"agent_type"},
		),
		rejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_total",
				Help:      "Tasks refused before execution by agent type and reason",
			},
			[]string{"agent_type", "reason"},
		),
		finishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "finished_total",
				Help:      "Tasks reaching a terminal status",
			},
			[]string{"agent_type", "status"},
		),
		recoveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Monitor interventions by kind",
			},
			[]string{"kind"},
		),
		breakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_trips_total",
				Help:      "Transitions of a circuit breaker into OPEN",
			},
			[]string{"breaker"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"breaker"},
		),
		activeAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Agents currently holding an execution slot",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting for admission",
		}),
		queueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time spent queued before admission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent_type"},
		),
		executionTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_seconds",
				Help:      "Task execution time from admission to terminal status",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"agent_type", "status"},
		),
	}
}

func (p *PrometheusRecorder) Admitted(agentType string, queueWait time.Duration) {
	p.admittedTotal.WithLabelValues(agentType).Inc()
	p.queueWait.WithLabelValues(agentType).Observe(queueWait.Seconds())
}

func (p *PrometheusRecorder) Rejected(agentType, reason string) {
	p.rejectedTotal.WithLabelValues(agentType, reason).Inc()
}

func (p *PrometheusRecorder) Finished(agentType, status string, duration time.Duration) {
	p.finishedTotal.WithLabelValues(agentType, status).Inc()
	p.executionTime.WithLabelValues(agentType, status).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) Recovered(kind string) {
	p.recoveredTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) BreakerStateChanged(name string, from, to circuit.State) {
	p.breakerState.WithLabelValues(name).Set(float64(to))
	if to == circuit.Open && from != circuit.Open {
		p.breakerTrips.WithLabelValues(name).Inc()
	}
}

func (p *PrometheusRecorder) SetActive(n int) {
	p.activeAgents.Set(float64(n))
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the recorder's metrics in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (p *PrometheusRecorder) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
