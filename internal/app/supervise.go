package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/stupiduntilnot/relaybot/internal/control"
)

// Supervisor keeps a long-running loop alive. A returned error or a panic is
// logged and the loop is started again after the next backoff delay.
type Supervisor struct {
	Name string
	// Backoff builds a fresh restart schedule. Nil means control.RestartBackoff.
	Backoff func() retry.Backoff
	// StableAfter resets the schedule once a run has lasted this long.
	StableAfter time.Duration
	Log         zerolog.Logger
	// OnRestart is called before each restart delay.
	OnRestart func(err error, delay time.Duration)
}

// Run calls fn until ctx is done and returns ctx's error.
func (s Supervisor) Run(ctx context.Context, fn func(context.Context) error) error {
	newBackoff := s.Backoff
	if newBackoff == nil {
		newBackoff = func() retry.Backoff {
			return control.RestartBackoff(control.DefaultRestartBase, control.DefaultRestartCap)
		}
	}
	backoff := newBackoff()

	for {
		started := time.Now()
		err := runProtected(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("returned without error")
		}
		if s.StableAfter > 0 && time.Since(started) >= s.StableAfter {
			backoff = newBackoff()
		}

		delay, stop := backoff.Next()
		if stop {
			backoff = newBackoff()
			delay, _ = backoff.Next()
		}
		s.Log.Error().Err(err).Str("loop", s.Name).Dur("restart_in", delay).Msg("loop stopped, restarting")
		if s.OnRestart != nil {
			s.OnRestart(err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func runProtected(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
