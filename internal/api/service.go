package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const trackingTimeout = 10 * time.Second

// Service is the part of the tracking service the API exposes.
type Service interface {
	Resumed() bool
	ReportingNeeded() bool
	CurrentSessionID(ctx context.Context) (string, bool, error)
	PerformSessionTracking(doReporting bool, completion func())
}

// ServiceHandler handles service status and control requests.
type ServiceHandler struct {
	service Service
	logger  zerolog.Logger
}

// NewServiceHandler creates a new service handler.
func NewServiceHandler(service Service, logger zerolog.Logger) *ServiceHandler {
	return &ServiceHandler{
		service: service,
		logger:  logger.With().Str("handler", "service").Logger(),
	}
}

// GetStatus returns the service state and the current session, if any.
func (h *ServiceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	currentID, ok, err := h.service.CurrentSessionID(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to look up current session")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve current session")
		return
	}

	status := map[string]interface{}{
		"resumed":         h.service.Resumed(),
		"reportingNeeded": h.service.ReportingNeeded(),
	}
	if ok {
		status["currentSessionId"] = currentID
	}

	writeJSON(w, http.StatusOK, status)
}

// TriggerTracking runs one tracking pass. report=true also reports closed
// sessions. The response is sent once the pass completes.
func (h *ServiceHandler) TriggerTracking(w http.ResponseWriter, r *http.Request) {
	doReporting := r.URL.Query().Get("report") == "true"

	done := make(chan struct{})
	h.service.PerformSessionTracking(doReporting, func() { close(done) })

	select {
	case <-done:
	case <-r.Context().Done():
		return
	case <-time.After(trackingTimeout):
		writeError(w, http.StatusGatewayTimeout, "Tracking pass did not complete in time")
		return
	}

	h.logger.Info().Bool("report", doReporting).Msg("Tracking pass triggered")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Tracking pass completed",
		"report":  doReporting,
	})
}
