// Package rotator owns the time-bucketed collections a stream writes into.
// Each rotator keeps one open bucket, opens its successor shortly before
// the wall-clock boundary, dual-writes during a small overlap window and
// swaps once an event lands safely past the window.
package rotator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tickvault/internal/interval"
	"github.com/sawpanic/tickvault/internal/storage"
)

// BackupRunner ships sealed buckets; invoked once per rotation.
type BackupRunner interface {
	Run(ctx context.Context) error
}

// Options configures one Rotator.
type Options struct {
	DB         storage.Database
	Prefix     string
	Interval   interval.Interval
	SafeMargin time.Duration
	Clock      clockwork.Clock
	Log        zerolog.Logger

	// Backup is spawned after each rotation; nil disables shipping.
	Backup BackupRunner

	// StartTime defers the first accepted event to that instant.
	StartTime *time.Time

	// OnRotate is an optional hook fired after each boundary advance.
	OnRotate func()
}

// Rotator is single-writer: Insert is only called from the stream
// goroutine, while the rotation loop runs in the background.
type Rotator struct {
	db         storage.Database
	prefix     string
	ivl        interval.Interval
	safeMargin time.Duration
	clock      clockwork.Clock
	log        zerolog.Logger
	backup     BackupRunner
	onRotate   func()

	mu       sync.Mutex
	current  storage.Bucket
	next     storage.Bucket
	boundary time.Time // instant at which next takes over
	fillEnd  time.Time // boundary + safeMargin
	overlap  bool
	swapped  chan struct{} // closed by the writer on swap

	isStartTime bool
	startTime   time.Time

	stopRequested bool
	stopTime      time.Time
	stopped       bool

	backupInProgress bool
}

// New opens the current bucket for the present interval and primes the
// first boundary. Run must be started for rotation to happen.
func New(opts Options) (*Rotator, error) {
	now := opts.Clock.Now().UTC()
	cur, err := opts.DB.Open(interval.Name(opts.Interval, opts.Prefix, opts.Interval.Floor(now)))
	if err != nil {
		return nil, fmt.Errorf("open initial bucket: %w", err)
	}

	r := &Rotator{
		db:         opts.DB,
		prefix:     opts.Prefix,
		ivl:        opts.Interval,
		safeMargin: opts.SafeMargin,
		clock:      opts.Clock,
		log:        opts.Log.With().Str("stream", opts.Prefix).Logger(),
		backup:     opts.Backup,
		onRotate:   opts.OnRotate,
		current:    cur,
		boundary:   opts.Interval.Next(now),
	}
	if opts.StartTime != nil {
		r.isStartTime = true
		r.startTime = opts.StartTime.UTC()
	}
	return r, nil
}

// Run is the rotation loop. It returns when ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) error {
	for {
		r.mu.Lock()
		boundary := r.boundary
		r.mu.Unlock()

		fillStart := boundary.Add(-r.safeMargin)
		if err := r.sleepUntil(ctx, fillStart); err != nil {
			return err
		}

		if err := r.beginOverlap(boundary); err != nil {
			return err
		}

		// Give the writer ample slack before watching for the swap: late
		// events around the boundary must never race the cut-over.
		if err := r.sleep(ctx, 30*time.Second); err != nil {
			return err
		}
		if err := r.awaitSwap(ctx); err != nil {
			return err
		}

		nextBoundary := r.ivl.Step(boundary)
		r.mu.Lock()
		r.boundary = nextBoundary
		r.backupInProgress = true
		r.mu.Unlock()

		r.log.Debug().Time("boundary", nextBoundary).Msg("bucket rotated")
		if r.onRotate != nil {
			r.onRotate()
		}

		if r.backup != nil {
			go func() {
				if err := r.backup.Run(ctx); err != nil {
					r.log.Error().Err(err).Msg("backup cycle failed")
				}
				r.setBackupInProgress(false)
			}()
		} else {
			r.setBackupInProgress(false)
		}
	}
}

// beginOverlap opens the successor bucket named after the boundary and
// starts the dual-write window.
func (r *Rotator) beginOverlap(boundary time.Time) error {
	next, err := r.db.Open(interval.Name(r.ivl, r.prefix, boundary))
	if err != nil {
		return fmt.Errorf("open next bucket: %w", err)
	}
	r.mu.Lock()
	r.next = next
	r.fillEnd = boundary.Add(r.safeMargin)
	r.overlap = true
	r.swapped = make(chan struct{})
	r.mu.Unlock()
	return nil
}

func (r *Rotator) awaitSwap(ctx context.Context) error {
	r.mu.Lock()
	if !r.overlap {
		r.mu.Unlock()
		return nil
	}
	swapped := r.swapped
	r.mu.Unlock()

	// The swap itself is data-driven: the writer closes the channel with
	// the first event past fillEnd, so no event inside the overlap can
	// land in the wrong bucket even when arrivals are reordered.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-swapped:
		return nil
	}
}

// Insert routes one record to the right bucket. Branch order: start gate,
// stop gate, overlap dual-write, plain write.
func (r *Rotator) Insert(ctx context.Context, rec storage.Record) error {
	t := recordTime(rec, r.clock)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.isStartTime:
		if t.Before(r.startTime) {
			return nil
		}
		r.isStartTime = false
		return r.current.Insert(ctx, rec)

	case r.stopRequested:
		if t.Before(r.stopTime) {
			return r.current.Insert(ctx, rec)
		}
		if t.After(r.stopTime) && !r.stopped {
			r.stopped = true
			r.log.Info().Time("stop_time", r.stopTime).Msg("stream drained")
		}
		return nil

	case r.overlap:
		if t.Before(r.boundary) {
			return r.current.Insert(ctx, rec)
		}
		if err := r.next.Insert(ctx, rec); err != nil {
			return err
		}
		if t.After(r.fillEnd) {
			r.swapLocked()
		}
		return nil

	default:
		return r.current.Insert(ctx, rec)
	}
}

func (r *Rotator) swapLocked() {
	r.current = r.next
	r.next = nil
	r.overlap = false
	if r.swapped != nil {
		close(r.swapped)
		r.swapped = nil
	}
}

// Stop arms the stop gate: events before stopTime still land, the first
// event strictly after it marks the rotator stopped.
func (r *Rotator) Stop(stopTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRequested = true
	r.stopTime = stopTime.UTC()
}

func (r *Rotator) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Rotator) BackupInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backupInProgress
}

func (r *Rotator) setBackupInProgress(v bool) {
	r.mu.Lock()
	r.backupInProgress = v
	r.mu.Unlock()
}

// CurrentBucket is the name the writer is appending to outside overlap.
func (r *Rotator) CurrentBucket() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Name()
}

func (r *Rotator) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(r.clock.Now())
	if d <= 0 {
		return ctx.Err()
	}
	return r.sleep(ctx, d)
}

func (r *Rotator) sleep(ctx context.Context, d time.Duration) error {
	timer := r.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// recordTime reads the event's own timestamp; records without one are
// stamped with the wall clock, matching the original feed behavior.
func recordTime(rec storage.Record, clock clockwork.Clock) time.Time {
	if s, ok := rec["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	if t, ok := rec["time"].(time.Time); ok {
		return t.UTC()
	}
	return clock.Now().UTC()
}
