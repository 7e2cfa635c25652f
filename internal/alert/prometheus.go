package alert

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusExporter serves the controller metrics over HTTP
type PrometheusExporter struct {
	server   *http.Server
	registry *prometheus.Registry
	metrics  *client.PrometheusMetrics
	logger   *logrus.Logger
	port     string
}

// CreateCustomRegistry returns a registry with the Go runtime and process collectors
func CreateCustomRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return registry
}

// NewPrometheusExporter registers the controller metrics on a fresh custom
// registry and prepares the exporter server
func NewPrometheusExporter(port string, logger *logrus.Logger) *PrometheusExporter {
	registry := CreateCustomRegistry()
	metrics := client.NewPrometheusMetrics(registry)

	e := &PrometheusExporter{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		port:     port,
	}
	e.server = &http.Server{
		Addr:              ":" + port,
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e
}

// Handler exposes /metrics, /health and a small index page
func (e *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`
			<h1>SDN Guard Prometheus Exporter</h1>
			<p><a href="/metrics">Metrics</a></p>
			<p><a href="/health">Health Check</a></p>
		`))
	})
	return mux
}

// Start serves until ctx is cancelled
func (e *PrometheusExporter) Start(ctx context.Context) error {
	e.logger.Infof("Starting Prometheus exporter on port %s", e.port)
	e.logger.Infof("Metrics available at: http://localhost:%s/metrics", e.port)

	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Errorf("Failed to start Prometheus exporter: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.logger.Info("Shutting down Prometheus exporter...")
	return e.server.Shutdown(shutdownCtx)
}

func (e *PrometheusExporter) GetMetrics() *client.PrometheusMetrics {
	return e.metrics
}

func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}

// MetricsNotifier counts every alert by category, type and severity
type MetricsNotifier struct {
	metrics *client.PrometheusMetrics
}

func NewMetricsNotifier(metrics *client.PrometheusMetrics) *MetricsNotifier {
	return &MetricsNotifier{metrics: metrics}
}

func (n *MetricsNotifier) SendAlert(alert model.Alert) error {
	n.metrics.RecordAlert(alert)
	return nil
}
