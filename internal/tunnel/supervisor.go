package tunnel

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Kartoshka2331/nigarok/internal/uiadapter"
)

// ErrRetriesExhausted is returned by Supervisor.Run when MAX_RETRIES
// consecutive attempts all failed to authenticate.
var ErrRetriesExhausted = errors.New("tunnel: reconnect retries exhausted")

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	NewSession func() *ClientSession
	UI         uiadapter.UI // nil falls back to uiadapter.LogUI{}
	RetryDelay time.Duration
	MaxRetries int
}

// Supervisor drives the client's reconnect loop, spec.md §4.8: on
// attempt failure it waits RETRY_DELAY and tries again, up to
// MAX_RETRIES consecutive failures, resetting the counter on every
// attempt that reaches the Running state. No VC state is carried
// across attempts — each gets a fresh *ClientSession.
type Supervisor struct {
	opts SupervisorOptions
}

// NewSupervisor builds a Supervisor ready to Run.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.UI == nil {
		opts.UI = uiadapter.LogUI{}
	}
	opts.RetryDelay = orDuration(opts.RetryDelay, RetryDelay)
	opts.MaxRetries = orInt(opts.MaxRetries, MaxRetries)
	return &Supervisor{opts: opts}
}

// Run loops NewSession().Run(ctx) until ctx is cancelled, a session
// reaches Terminated cleanly (ctx cancellation, which Run reports as a
// nil error), or MAX_RETRIES consecutive attempts fail.
func (s *Supervisor) Run(ctx context.Context) error {
	retries := 0
	for {
		if ctx.Err() != nil {
			s.opts.UI.OnState(uiadapter.StateTerminated)
			return nil
		}

		sess := s.opts.NewSession()
		authenticated := false
		sess.opts.OnAuthenticated = func() { authenticated = true }
		err := sess.Run(ctx)

		if ctx.Err() != nil {
			s.opts.UI.OnState(uiadapter.StateTerminated)
			return nil
		}
		if authenticated {
			retries = 0
		} else {
			retries++
		}
		if err != nil {
			s.opts.UI.OnLog(err.Error(), "error")
		}

		if retries >= s.opts.MaxRetries {
			s.opts.UI.OnState(uiadapter.StateTerminated)
			if err != nil {
				return errors.Wrap(ErrRetriesExhausted, err.Error())
			}
			return ErrRetriesExhausted
		}

		s.opts.UI.OnState(uiadapter.StateReconnecting)
		timer := time.NewTimer(s.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.opts.UI.OnState(uiadapter.StateTerminated)
			return nil
		case <-timer.C:
		}
	}
}
