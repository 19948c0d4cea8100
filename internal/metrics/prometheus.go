// Package metrics exposes Prometheus instrumentation for the training
// pipeline: phase progress, loss curves and divergence events.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EpochsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lafm_epochs_completed_total",
		Help: "Training epochs completed per phase",
	}, []string{"phase"})

	TrainLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lafm_train_loss",
		Help: "Most recent training loss per phase",
	}, []string{"phase"})

	ValidationLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lafm_validation_loss",
		Help: "Most recent validation loss per phase",
	}, []string{"phase"})

	LearningRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lafm_learning_rate",
		Help: "Current optimizer learning rate per phase",
	}, []string{"phase"})

	DivergenceEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lafm_divergence_events_total",
		Help: "Training runs aborted on non-finite loss",
	})

	PipelineState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lafm_pipeline_state",
		Help: "Current pipeline lifecycle state as an ordinal",
	})

	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lafm_predictions_total",
		Help: "Predictions served per class",
	}, []string{"class"})

	EpochDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lafm_epoch_duration_seconds",
		Help:    "Wall-clock epoch duration per phase",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"phase"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server runs a standalone metrics HTTP server.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server with /metrics and /health
// endpoints.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start starts the metrics server; it blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}
