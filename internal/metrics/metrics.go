package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Reasons a tracking tick was skipped.
const (
	SkipStopped         = "stopped"
	SkipNotForeground   = "not_foreground_active"
	SkipNoInstallation  = "no_installation_id"
	SkipPersistRejected = "persist_queue_closed"
)

var (
	// Session persistence metrics
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_sessions_created_total",
			Help: "Session records created",
		},
	)

	SessionsExtended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_sessions_extended_total",
			Help: "Session records whose end date was extended",
		},
	)

	TrackingSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmsession_tracking_skipped_total",
			Help: "Tracking ticks skipped because a precondition was not met",
		},
		[]string{"reason"},
	)

	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_persist_failures_total",
			Help: "Session persistence transactions that failed",
		},
	)

	// Reporting metrics
	ReportsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_reports_submitted_total",
			Help: "Session batches accepted by the uploader",
		},
	)

	ReportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_report_failures_total",
			Help: "Session reports that failed to upload or commit",
		},
	)

	ReportDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_report_deferred_total",
			Help: "Report requests dropped because a report was already in flight",
		},
	)

	SessionsReported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_sessions_reported_total",
			Help: "Session records marked as reported",
		},
	)

	ReportBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mmsession_report_batch_size",
			Help:    "Number of sessions per submitted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	ReportBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mmsession_report_breaker_state",
			Help: "Uploader circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	// Retention metrics
	SessionsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmsession_sessions_pruned_total",
			Help: "Reported session records deleted after the retention period",
		},
	)

	ServiceResumed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mmsession_service_resumed",
			Help: "1 while the session service is resumed, 0 while suspended",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsCreated,
		SessionsExtended,
		TrackingSkipped,
		PersistFailures,
		ReportsSubmitted,
		ReportFailures,
		ReportDeferred,
		SessionsReported,
		ReportBatchSize,
		ReportBreakerState,
		SessionsPruned,
		ServiceResumed,
	)
}

// Server is the metrics HTTP server
type Server struct {
	mux      *http.ServeMux
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		mux: mux,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the HTTP handler serving /metrics and /health.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Handle mounts an extra handler next to /metrics and /health. It must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.server.Addr)
		if err != nil {
			return err
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
