package collector

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tickvault/internal/storage"
	"github.com/sawpanic/tickvault/internal/telemetry"
)

// SnapshotPoller pulls an order book snapshot per tracked pair on a
// wall-clock grid and forwards it to the snapshot sink. Each snapshot
// carries the scheduled instant as its time, not the receive instant.
type SnapshotPoller struct {
	Sink     Sink
	Fetch    func(ctx context.Context, productID string) (storage.Record, error)
	Products func() []string
	Grid     time.Duration
	Clock    clockwork.Clock
	Log      zerolog.Logger
	Metrics  *telemetry.Metrics
}

// Run polls until ctx is cancelled.
func (p *SnapshotPoller) Run(ctx context.Context) error {
	next := p.Clock.Now().Truncate(p.Grid).Add(p.Grid)
	for {
		if err := p.sleepUntil(ctx, next); err != nil {
			return err
		}

		products := p.Products()
		p.Log.Info().Strs("product_ids", products).Msg("snapshot poll")
		scheduled := next.UTC().Format(time.RFC3339Nano)
		for _, id := range products {
			rec, err := p.Fetch(ctx, id)
			if err != nil {
				if p.Metrics != nil {
					p.Metrics.SnapshotErrors.Inc()
				}
				p.Log.Error().Err(err).Str("product_id", id).Msg("snapshot fetch failed")
				continue
			}
			rec["time"] = scheduled
			rec["product_id"] = id
			if err := p.Sink.Insert(ctx, rec); err != nil {
				return err
			}
		}
		if p.Metrics != nil {
			p.Metrics.SnapshotPolls.Inc()
		}

		// Deadlines that passed while polling are skipped, not bunched.
		next = next.Add(p.Grid)
		for now := p.Clock.Now(); !next.After(now); {
			next = next.Add(p.Grid)
		}
	}
}

func (p *SnapshotPoller) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(p.Clock.Now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := p.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
