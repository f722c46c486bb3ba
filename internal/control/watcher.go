// Package control implements the configuration watcher: the only mutator
// of the subscription set and the only initiator of a drained shutdown.
package control

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tickvault/internal/config"
	"github.com/sawpanic/tickvault/internal/exchange"
)

const (
	// earlyWake gives the reload and diff room to finish before the tick.
	earlyWake = 15 * time.Second

	backupIdlePoll = 30 * time.Second
	stoppedPoll    = 10 * time.Second
	drainPause     = 5 * time.Second
)

// Stream is the slice of the websocket client the watcher drives.
type Stream interface {
	Send(msg map[string]any) error
	Stop()
}

// Tracker is the slice of the event handler the watcher mutates.
type Tracker interface {
	Extend(productIDs []string)
	Remove(productIDs []string)
}

// Rotators is the slice of the rotator manager the watcher drains.
type Rotators interface {
	Stop(stopTime time.Time)
	Stopped() bool
	BackupInProgress() bool
}

// Watcher re-reads the configuration on the update grid and applies
// subscription deltas and shutdown requests.
type Watcher struct {
	Cfg     *config.Config
	Stream  Stream
	Tracker Tracker
	Manager Rotators
	Clock   clockwork.Clock
	Log     zerolog.Logger

	// RequestExit hands the drained-shutdown decision to the supervisor.
	RequestExit func(code int)
}

// Run loops until ctx is cancelled or a stop request drains the system.
func (w *Watcher) Run(ctx context.Context) error {
	iv := w.Cfg.ControlInterval()
	prevIDs := w.Cfg.ProductIDs
	nextTick := iv.Next(w.Clock.Now().UTC())

	for {
		if err := w.sleepUntil(ctx, nextTick.Add(-earlyWake)); err != nil {
			return err
		}

		cfg, err := w.Cfg.Reload()
		if err != nil {
			// Keep serving the previous config until the file heals.
			w.Log.Error().Err(err).Msg("config reload failed")
			nextTick = iv.Step(nextTick)
			continue
		}
		w.Cfg = cfg

		newIDs := diff(cfg.ProductIDs, prevIDs)
		oldIDs := diff(prevIDs, cfg.ProductIDs)

		switch {
		case cfg.Stop():
			return w.drain(ctx, nextTick)

		case len(newIDs) > 0:
			// Tracker first, subscribe second: events for a new pair that
			// race the subscribe ack must not be dropped as unknown.
			w.Log.Info().Strs("product_ids", newIDs).Msg("subscribing new pairs")
			w.Tracker.Extend(newIDs)
			if err := w.sleepUntil(ctx, nextTick); err != nil {
				return err
			}
			if err := w.Stream.Send(exchange.SubscribeMessage(newIDs)); err != nil {
				w.Log.Error().Err(err).Msg("subscribe frame failed")
			}

		case len(oldIDs) > 0:
			w.Log.Info().Strs("product_ids", oldIDs).Msg("unsubscribing pairs")
			w.Tracker.Remove(oldIDs)
			if err := w.sleepUntil(ctx, nextTick); err != nil {
				return err
			}
			if err := w.Stream.Send(exchange.UnsubscribeMessage(oldIDs)); err != nil {
				w.Log.Error().Err(err).Msg("unsubscribe frame failed")
			}
		}

		prevIDs = cfg.ProductIDs
		nextTick = iv.Step(nextTick)
	}
}

// drain runs the ordered shutdown: backup idle, stop rotators at the tick,
// wait for them to report stopped, let stragglers flush, backup idle again,
// then stop the stream and request exit.
func (w *Watcher) drain(ctx context.Context, stopTime time.Time) error {
	w.Log.Info().Time("stop_time", stopTime).Msg("stop requested, draining")

	if err := w.waitFor(ctx, backupIdlePoll, func() bool { return !w.Manager.BackupInProgress() }); err != nil {
		return err
	}
	w.Manager.Stop(stopTime)
	if err := w.waitFor(ctx, stoppedPoll, w.Manager.Stopped); err != nil {
		return err
	}
	if err := w.sleep(ctx, drainPause); err != nil {
		return err
	}
	if err := w.waitFor(ctx, backupIdlePoll, func() bool { return !w.Manager.BackupInProgress() }); err != nil {
		return err
	}

	w.Stream.Stop()
	w.Log.Info().Msg("drained, requesting exit")
	if w.RequestExit != nil {
		w.RequestExit(0)
	}
	return nil
}

func (w *Watcher) waitFor(ctx context.Context, poll time.Duration, done func() bool) error {
	for !done() {
		if err := w.sleep(ctx, poll); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) sleepUntil(ctx context.Context, t time.Time) error {
	return w.sleep(ctx, t.Sub(w.Clock.Now()))
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := w.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// diff returns the members of a that are absent from b, in a's order.
func diff(a, b []string) []string {
	seen := make(map[string]struct{}, len(b))
	for _, id := range b {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
