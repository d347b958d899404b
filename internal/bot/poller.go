package bot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/transport"
)

const (
	DefaultPollTimeout = 20
	errClassGetUpdates = "get_updates"
)

// Poller long-polls the transport and hands each message to the handler in
// receipt order.
type Poller struct {
	transport transport.Transport
	handler   *Handler
	circuit   *control.CircuitBreaker
	log       zerolog.Logger
	events    *db.EventLog

	// Timeout is the long-poll timeout in seconds.
	Timeout int
	// RetryDelay is the pause after a failed poll.
	RetryDelay time.Duration

	offset int64
}

func NewPoller(t transport.Transport, h *Handler, circuit *control.CircuitBreaker, log zerolog.Logger, events *db.EventLog) *Poller {
	if circuit == nil {
		circuit = control.NewCircuitBreaker(5, 30*time.Second)
	}
	return &Poller{
		transport:  t,
		handler:    h,
		circuit:    circuit,
		log:        log,
		events:     events,
		Timeout:    DefaultPollTimeout,
		RetryDelay: time.Second,
	}
}

// Offset is the next update id the poller will ask for. It survives Run
// restarts so a message that crashed the loop is not handled twice.
func (p *Poller) Offset() int64 {
	return p.offset
}

// Run polls until ctx is done. It only returns ctx's error.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if wait := p.circuit.Wait(time.Now()); wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		prev := p.circuit.State()
		p.circuit.Allow(time.Now())
		if prev == control.CircuitOpen && p.circuit.State() == control.CircuitHalfOpen {
			p.log.Info().Msg("polling circuit half-open, probing")
		}

		updates, err := p.transport.Updates(ctx, p.offset, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Int64("offset", p.offset).Msg("getUpdates error")
			if p.circuit.RecordFailure(errClassGetUpdates, time.Now()) {
				p.log.Error().
					Int("threshold", p.circuit.Threshold).
					Dur("cooldown", p.circuit.Cooldown).
					Msg("polling circuit opened")
				if lerr := p.events.Record(ctx, db.EventPollingPaused, map[string]any{
					"error_class":      errClassGetUpdates,
					"cooldown_seconds": int(p.circuit.Cooldown.Seconds()),
				}); lerr != nil {
					p.log.Error().Err(lerr).Msg("record event failed")
				}
			}
			if err := sleep(ctx, p.RetryDelay); err != nil {
				return err
			}
			continue
		}
		if p.circuit.State() != control.CircuitClosed {
			p.log.Info().Msg("polling circuit closed")
		}
		p.circuit.RecordSuccess()

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.handler.Handle(ctx, u)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
