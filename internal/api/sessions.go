package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Session is the API view of a stored session.
type Session struct {
	ID                 string    `json:"id"`
	PushRegistrationID string    `json:"pushRegistrationId"`
	StartDate          time.Time `json:"startDate"`
	EndDate            time.Time `json:"endDate"`
	DurationSeconds    int64     `json:"durationSeconds"`
	Reported           bool      `json:"reported"`
	Current            bool      `json:"current"`
}

// SessionsHandler handles session-related API requests.
type SessionsHandler struct {
	store   *storage.Context
	clock   clockwork.Clock
	timeout time.Duration
	logger  zerolog.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(store *storage.Context, clock clockwork.Clock, timeout time.Duration, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		store:   store,
		clock:   clock,
		timeout: timeout,
		logger:  logger.With().Str("handler", "sessions").Logger(),
	}
}

// ListSessions returns stored sessions. The installation query parameter
// narrows the list; status=unreported drops reported rows.
func (h *SessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	installationID := r.URL.Query().Get("installation")
	status := r.URL.Query().Get("status")
	if status != "" && status != "unreported" {
		writeError(w, http.StatusBadRequest, "Unknown status filter (expected unreported)")
		return
	}

	var records []storage.SessionRecord
	err := h.store.View(r.Context(), func(tx storage.SessionTx) error {
		var err error
		records, err = tx.List(installationID)
		return err
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list sessions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}

	now := h.clock.Now()
	sessions := make([]Session, 0, len(records))
	for _, rec := range records {
		if status == "unreported" && rec.Reported {
			continue
		}
		sessions = append(sessions, h.view(rec, now))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns a specific session by ID.
func (h *SessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	installationID, start, err := storage.ParseSessionID(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid session id")
		return
	}

	var found *storage.SessionRecord
	err = h.store.View(r.Context(), func(tx storage.SessionTx) error {
		records, err := tx.List(installationID)
		if err != nil {
			return err
		}
		for i := range records {
			if records[i].StartDate.Equal(start) {
				found = &records[i]
				return nil
			}
		}
		return storage.ErrNotFound
	})
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get session")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve session")
		return
	}

	writeJSON(w, http.StatusOK, h.view(*found, h.clock.Now()))
}

func (h *SessionsHandler) view(r storage.SessionRecord, now time.Time) Session {
	return Session{
		ID:                 r.ID(),
		PushRegistrationID: r.InstallationID,
		StartDate:          r.StartDate.UTC(),
		EndDate:            r.EndDate.UTC(),
		DurationSeconds:    int64(r.Duration() / time.Second),
		Reported:           r.Reported,
		Current:            !r.Reported && r.IsCurrent(now, h.timeout),
	}
}
