// Package backup ships sealed buckets: export to a temp file, compress,
// upload (or copy), drop the source bucket and record the name so a
// restart never re-ships it.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tickvault/internal/interval"
	"github.com/sawpanic/tickvault/internal/statedb"
	"github.com/sawpanic/tickvault/internal/storage"
	"github.com/sawpanic/tickvault/internal/telemetry"
)

// overwriteMinAge is how old an overwrite-path record must be before the
// bucket is shipped again.
const overwriteMinAge = time.Hour

// Pipeline is one stream's backup pipeline. All pipelines in the process
// share Mutex, so at most one cycle ships at a time; a rotator that finds
// the mutex held skips its cycle and the next one catches up.
type Pipeline struct {
	Mutex   *sync.Mutex
	DB      storage.Database
	Log     *statedb.BackupLog
	Shipper Shipper
	Codec   string

	// Bucket-name regexes to ship. Overwrite prefixes are re-shipped at
	// most once per overwriteMinAge and their buckets are never dropped.
	Prefixes          []string
	OverwritePrefixes []string
	OverwriteShipper  Shipper

	TempDir    string
	Production bool
	Clock      clockwork.Clock
	Logger     zerolog.Logger
	Metrics    *telemetry.Metrics
}

// Run executes one backup cycle. A held mutex is not an error: the cycle
// is simply skipped.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.Mutex.TryLock() {
		if p.Metrics != nil {
			p.Metrics.BackupSkipped.Inc()
		}
		p.Logger.Debug().Msg("backup cycle skipped, another cycle in flight")
		return nil
	}
	defer p.Mutex.Unlock()

	start := p.Clock.Now()
	defer func() {
		if p.Metrics != nil {
			p.Metrics.BackupDuration.Observe(p.Clock.Now().Sub(start).Seconds())
		}
	}()

	p.wipeTemp()
	defer p.wipeTemp()

	candidates, err := p.candidates(p.Prefixes)
	if err != nil {
		return err
	}
	for _, name := range candidates {
		if err := p.shipOne(ctx, name, false); err != nil {
			if !p.Production {
				return err
			}
		}
	}

	if len(p.OverwritePrefixes) > 0 {
		candidates, err := p.candidates(p.OverwritePrefixes)
		if err != nil {
			return err
		}
		for _, name := range candidates {
			if err := p.shipOne(ctx, name, true); err != nil {
				if !p.Production {
					return err
				}
			}
		}
	}

	p.Logger.Info().Msg("backup cycle finished")
	return nil
}

// candidates lists the sealed buckets per prefix: everything matching,
// time-sorted, minus the most recent (it is current or next).
func (p *Pipeline) candidates(prefixes []string) ([]string, error) {
	var out []string
	for _, prefix := range prefixes {
		names, err := p.DB.List(prefix)
		if err != nil {
			return nil, fmt.Errorf("list candidates for %q: %w", prefix, err)
		}
		sort.Slice(names, func(i, j int) bool {
			ti, erri := interval.ParseTime(names[i])
			tj, errj := interval.ParseTime(names[j])
			if erri != nil || errj != nil {
				return names[i] < names[j]
			}
			return ti.Before(tj)
		})
		if len(names) > 0 {
			out = append(out, names[:len(names)-1]...)
		}
	}
	return out, nil
}

func (p *Pipeline) shipOne(ctx context.Context, name string, overwrite bool) (err error) {
	defer func() {
		if err != nil {
			if p.Metrics != nil {
				p.Metrics.BackupFailures.Inc()
			}
			p.Logger.Error().Err(err).Str("bucket", name).Msg("backup failed")
			p.wipeTemp()
		}
	}()

	now := p.Clock.Now().UTC()
	if overwrite {
		prev, ok, err := p.Log.Get(name)
		if err != nil {
			return err
		}
		if ok && now.Sub(prev) <= overwriteMinAge {
			return nil
		}
	} else {
		shipped, err := p.Log.Contains(name)
		if err != nil {
			return err
		}
		if shipped {
			return nil
		}
	}

	p.Logger.Info().Str("bucket", name).Msg("exporting bucket")
	exported, err := p.DB.Export(ctx, name, p.TempDir)
	if err != nil {
		return err
	}

	archive, err := Compress(p.Codec, exported, p.TempDir, name+".json")
	if err != nil {
		return err
	}

	shipper := p.Shipper
	if overwrite && p.OverwriteShipper != nil {
		shipper = p.OverwriteShipper
	}
	dest, err := shipper.Ship(ctx, archive, filepath.Base(archive))
	if err != nil {
		return err
	}
	p.Logger.Info().Str("bucket", name).Str("dest", dest).Msg("bucket shipped")

	// Drop only after a successful ship: the state store is a post-ship
	// log, never a promise.
	if !overwrite {
		if err := p.DB.Drop(name); err != nil {
			return err
		}
		if err := p.Log.Record(name, now); err != nil {
			return err
		}
	} else {
		if err := p.Log.Upsert(name, now); err != nil {
			return err
		}
	}

	if p.Metrics != nil {
		p.Metrics.BucketsShipped.Inc()
	}
	return nil
}

func (p *Pipeline) wipeTemp() {
	entries, err := os.ReadDir(p.TempDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p.TempDir, e.Name())); err != nil {
			p.Logger.Warn().Err(err).Str("entry", e.Name()).Msg("temp cleanup failed")
		}
	}
}
