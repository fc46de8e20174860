package usersession

import (
	"context"
	"errors"

	"github.com/goodtune/mmsession/internal/dispatch"
	"github.com/goodtune/mmsession/internal/lifecycle"
	"github.com/goodtune/mmsession/internal/metrics"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/goodtune/mmsession/internal/timer"
	"github.com/rs/zerolog"
)

type state int

const (
	stateSuspended state = iota
	stateResumed
)

func (s state) String() string {
	if s == stateResumed {
		return "resumed"
	}
	return "suspended"
}

// Service tracks foreground activity as session records and reports closed
// sessions. Lifecycle handling, Start/Stop and timer ticks all run on the
// service's coordination queue; persistence and reporting run on their own
// queues and hop back to it when they finish.
type Service struct {
	opts   Options
	logger zerolog.Logger

	queue        *dispatch.Queue
	persistQueue *dispatch.Queue
	reportQueue  *dispatch.Queue

	// owned by queue
	state           state
	timer           *timer.RepeatingTimer
	reportingNeeded bool

	unsubscribe func()
}

// NewService creates a suspended service.
func NewService(opts Options) (*Service, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	logger := opts.Logger.With().Str("component", "usersession").Logger()
	return &Service{
		opts:            opts,
		logger:          logger,
		queue:           dispatch.NewQueue("usersession", logger),
		persistQueue:    dispatch.NewQueue("usersession.persist", logger),
		reportQueue:     dispatch.NewQueue("usersession.report", logger),
		state:           stateSuspended,
		reportingNeeded: true,
	}, nil
}

// Attach subscribes the service to source. Close removes the subscription.
func (s *Service) Attach(source lifecycle.Source) {
	unsubscribe := source.Subscribe(s.HandleEvent)
	if !s.queue.Async(func() { s.unsubscribe = unsubscribe }) {
		unsubscribe()
	}
}

// Start resumes the service and its tracking timer. done, if not nil, runs
// on the coordination queue afterwards.
func (s *Service) Start(done func()) {
	s.post(func() {
		s.start()
		call(done)
	}, done)
}

// Stop suspends the service, releases the timer and drops queued
// operations. A running operation is allowed to finish.
func (s *Service) Stop(done func()) {
	s.post(func() {
		s.stop()
		call(done)
	}, done)
}

// HandleEvent reacts to a lifecycle transition.
func (s *Service) HandleEvent(e lifecycle.Event) {
	s.post(func() {
		s.logger.Debug().Stringer("event", e).Msg("Lifecycle event")

		switch e {
		case lifecycle.EnterForeground:
			s.reportingNeeded = true
		case lifecycle.BecomeActive:
			if s.timer != nil {
				s.timer.Resume()
			}
		case lifecycle.ResignActive:
			if s.timer != nil {
				s.timer.Suspend()
			}
		case lifecycle.Terminate:
			s.stop()
		}
	}, nil)
}

// PerformSessionTracking persists the current activity and, when
// doReporting is set, reports closed sessions afterwards. completion is
// always called exactly once.
func (s *Service) PerformSessionTracking(doReporting bool, completion func()) {
	s.post(func() { s.performSessionTracking(doReporting, completion) }, completion)
}

// Resumed reports whether the service is started.
func (s *Service) Resumed() bool {
	var resumed bool
	if err := s.queue.Sync(func() { resumed = s.state == stateResumed }); err != nil {
		return false
	}
	return resumed
}

// ReportingNeeded reports whether the next tick will also report.
func (s *Service) ReportingNeeded() bool {
	var needed bool
	_ = s.queue.Sync(func() { needed = s.reportingNeeded })
	return needed
}

// CurrentSessionID returns the id of the installation's current session.
// It must not be called from the coordination queue.
func (s *Service) CurrentSessionID(ctx context.Context) (string, bool, error) {
	installationID, ok := s.opts.Installation.PushRegistrationID()
	if !ok {
		return "", false, nil
	}

	cutoff := s.opts.Clock.Now().Add(-s.opts.Config.SessionTimeout)

	var current *storage.SessionRecord
	err := s.opts.Store.View(ctx, func(tx storage.SessionTx) error {
		var err error
		current, err = tx.FindCurrent(installationID, cutoff)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return current.ID(), true, nil
}

// Close stops the service, lets running operations finish and shuts down
// every queue.
func (s *Service) Close() {
	_ = s.queue.Sync(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		s.stop()
	})

	// Operation completions post back to the coordination queue, so it
	// closes last.
	s.persistQueue.Close()
	s.reportQueue.Close()
	s.queue.Close()
}

func (s *Service) start() {
	if s.state == stateResumed {
		return
	}

	s.state = stateResumed
	s.timer = timer.New(s.opts.Clock, s.opts.Config.SaveInterval, s.queue, s.tick)
	s.timer.Resume()
	metrics.ServiceResumed.Set(1)

	s.logger.Info().
		Dur("save_interval", s.opts.Config.SaveInterval).
		Dur("session_timeout", s.opts.Config.SessionTimeout).
		Msg("Session tracking started")
}

func (s *Service) stop() {
	if s.timer != nil {
		s.timer.Cancel()
		s.timer = nil
	}
	dropped := s.persistQueue.CancelAll() + s.reportQueue.CancelAll()

	if s.state == stateResumed {
		s.logger.Info().Int("dropped_operations", dropped).Msg("Session tracking stopped")
	}
	s.state = stateSuspended
	metrics.ServiceResumed.Set(0)
}

func (s *Service) tick() {
	s.performSessionTracking(s.reportingNeeded, nil)
}

func (s *Service) performSessionTracking(doReporting bool, completion func()) {
	if s.state != stateResumed {
		s.skip(metrics.SkipStopped, completion)
		return
	}
	if !s.opts.AppState.IsForegroundActive() {
		s.skip(metrics.SkipNotForeground, completion)
		return
	}
	installationID, ok := s.opts.Installation.PushRegistrationID()
	if !ok {
		s.skip(metrics.SkipNoInstallation, completion)
		return
	}

	now := s.opts.Clock.Now()
	op := NewPersistOperation(s.opts.Store, installationID, now, s.opts.Config.SessionTimeout, s.logger)
	task := op.Task(context.Background(), func(result PersistResult, err error) {
		s.post(func() { s.persistFinished(doReporting, err, completion) }, completion)
	})

	if !s.persistQueue.AsyncTask(task) {
		s.skip(metrics.SkipPersistRejected, completion)
	}
}

func (s *Service) persistFinished(doReporting bool, err error, completion func()) {
	switch {
	case errors.Is(err, dispatch.ErrCancelled):
		s.logger.Debug().Msg("Persist operation cancelled")
	case err != nil:
		// The cycle ends here; reportingNeeded stays set for the next tick.
		metrics.PersistFailures.Inc()
		s.logger.Error().Err(err).Msg("Failed to persist session")
		call(completion)
		return
	}

	if !doReporting || s.state != stateResumed {
		call(completion)
		return
	}

	// Cleared before the report confirms; a failed report waits for the
	// next foreground transition.
	s.reportingNeeded = false

	op := NewReportOperation(s.opts.Store, s.opts.Uploader, s.opts.Config.SessionTimeout, s.opts.Clock, s.logger)
	task := op.Task(context.Background(), func(result ReportResult, err error) {
		switch {
		case errors.Is(err, dispatch.ErrCancelled):
			s.logger.Debug().Msg("Report operation cancelled")
		case err != nil:
			metrics.ReportFailures.Inc()
			s.logger.Error().Err(err).Msg("Failed to report sessions")
		}
		s.post(func() { call(completion) }, completion)
	})

	if !s.reportQueue.AsyncExclusive(task) {
		metrics.ReportDeferred.Inc()
		s.logger.Debug().Msg("Report already in flight")
		call(completion)
	}
}

func (s *Service) skip(reason string, completion func()) {
	metrics.TrackingSkipped.WithLabelValues(reason).Inc()
	s.logger.Debug().Str("reason", reason).Msg("Session tracking skipped")
	call(completion)
}

// post runs fn on the coordination queue, or calls fallback directly once
// the queue is closed.
func (s *Service) post(fn func(), fallback func()) {
	if !s.queue.Async(fn) {
		call(fallback)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
