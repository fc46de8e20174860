package usersession

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultSessionTimeout is the gap after which activity starts a new session
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultSaveInterval is the tracking tick period
	DefaultSaveInterval = 5 * time.Second
)

// InstallationProvider supplies the identity that keys session records.
type InstallationProvider interface {
	PushRegistrationID() (string, bool)
}

// AppStateProvider reports whether the host application is in the
// foreground and active.
type AppStateProvider interface {
	IsForegroundActive() bool
}

// Uploader delivers a batch of closed sessions to the backend. A nil error
// means the backend accepted every record.
type Uploader interface {
	Submit(ctx context.Context, sessions []storage.SessionRecord) error
}

// Config holds service timing
type Config struct {
	SessionTimeout time.Duration
	SaveInterval   time.Duration
}

// Options carries the collaborators of a Service.
type Options struct {
	Installation InstallationProvider
	AppState     AppStateProvider
	Store        *storage.Context
	Uploader     Uploader
	Clock        clockwork.Clock
	Config       Config
	Logger       zerolog.Logger
}

func (o *Options) normalize() error {
	switch {
	case o.Installation == nil:
		return errors.New("usersession: installation provider is required")
	case o.AppState == nil:
		return errors.New("usersession: app state provider is required")
	case o.Store == nil:
		return errors.New("usersession: store context is required")
	case o.Uploader == nil:
		return errors.New("usersession: uploader is required")
	}

	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Config.SessionTimeout <= 0 {
		o.Config.SessionTimeout = DefaultSessionTimeout
	}
	if o.Config.SaveInterval <= 0 {
		o.Config.SaveInterval = DefaultSaveInterval
	}
	return nil
}
