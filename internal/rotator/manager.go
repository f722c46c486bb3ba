package rotator

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sawpanic/tickvault/internal/storage"
)

// Manager couples the stream rotator with an optional snapshot rotator and
// the storage backend they share. It is the single hand-off point between
// the event handler, the snapshot poller and the control plane.
type Manager struct {
	db       storage.Database
	stream   *Rotator
	snapshot *Rotator // nil when snapshot collection is disabled
	clock    clockwork.Clock
}

func NewManager(db storage.Database, stream, snapshot *Rotator, clock clockwork.Clock) *Manager {
	return &Manager{db: db, stream: stream, snapshot: snapshot, clock: clock}
}

// Run starts the rotation loops and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.snapshot != nil {
		go func() { _ = m.snapshot.Run(ctx) }()
	}
	return m.stream.Run(ctx)
}

func (m *Manager) Insert(ctx context.Context, rec storage.Record) error {
	return m.stream.Insert(ctx, rec)
}

func (m *Manager) InsertSnapshot(ctx context.Context, rec storage.Record) error {
	if m.snapshot == nil {
		return nil
	}
	return m.snapshot.Insert(ctx, rec)
}

// Stop arms the stop gate on every rotator.
func (m *Manager) Stop(stopTime time.Time) {
	m.stream.Stop(stopTime)
	if m.snapshot != nil {
		m.snapshot.Stop(stopTime)
	}
}

// Stopped reports whether every rotator has drained.
func (m *Manager) Stopped() bool {
	if !m.stream.Stopped() {
		return false
	}
	if m.snapshot != nil && !m.snapshot.Stopped() {
		return false
	}
	return true
}

// BackupInProgress reports whether any rotator has a backup cycle running.
func (m *Manager) BackupInProgress() bool {
	if m.stream.BackupInProgress() {
		return true
	}
	return m.snapshot != nil && m.snapshot.BackupInProgress()
}

// Close waits for in-flight backups, then closes the storage backend.
func (m *Manager) Close(ctx context.Context) error {
	for m.BackupInProgress() {
		timer := m.clock.NewTimer(5 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return m.db.Close(ctx)
		case <-timer.Chan():
		}
	}
	return m.db.Close(ctx)
}
