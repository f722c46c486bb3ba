// Package supervisor wires the collector together and owns the websocket
// connection loop, signal handling and the process exit code.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tickvault/internal/backup"
	"github.com/sawpanic/tickvault/internal/collector"
	"github.com/sawpanic/tickvault/internal/config"
	"github.com/sawpanic/tickvault/internal/control"
	"github.com/sawpanic/tickvault/internal/exchange"
	"github.com/sawpanic/tickvault/internal/rotator"
	"github.com/sawpanic/tickvault/internal/statedb"
	"github.com/sawpanic/tickvault/internal/storage"
	"github.com/sawpanic/tickvault/internal/telemetry"
)

const (
	crashMaxAge   = 5 * time.Minute
	startLead     = 5 * time.Second
	reconnectIdle = 10 * time.Second
	maxBackoff    = 60 * time.Second
)

// Options configures a Runtime.
type Options struct {
	Cfg       *config.Config
	StartTime *time.Time
	Clock     clockwork.Clock
	Log       zerolog.Logger
}

// Runtime owns every long-lived handle of a collector run.
type Runtime struct {
	cfg       *config.Config
	startTime *time.Time
	clock     clockwork.Clock
	log       zerolog.Logger
	metrics   *telemetry.Metrics

	db         storage.Database
	backupLog  *statedb.BackupLog
	crashStore *statedb.CrashStore

	handler *collector.Handler
	manager *rotator.Manager
	poller  *collector.SnapshotPoller
	watcher *control.Watcher
	monitor *telemetry.Monitor

	mu     sync.Mutex
	stream *exchange.StreamClient

	exitCh chan int
}

// New builds the full runtime from configuration. Nothing runs until Run.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Cfg
	r := &Runtime{
		cfg:       cfg,
		startTime: opts.StartTime,
		clock:     opts.Clock,
		log:       opts.Log,
		metrics:   telemetry.NewMetrics(),
		exitCh:    make(chan int, 1),
	}

	for _, dir := range []string{cfg.TempBackupFolder, cfg.TempFolder} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create temp folder %s: %w", dir, err)
		}
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.db = db

	r.backupLog, err = statedb.OpenBackupLog(cfg.BackupInfoDBPath, cfg.IsProduction)
	if err != nil {
		return nil, err
	}
	r.crashStore, err = statedb.OpenCrashStore(cfg.CrashInfoDBPath, cfg.IsProduction)
	if err != nil {
		return nil, err
	}

	var pipeline *backup.Pipeline
	if cfg.BackupOn {
		pipeline, err = r.buildPipeline(ctx)
		if err != nil {
			return nil, err
		}
	}

	safeMargin := time.Duration(cfg.SafeMarginInterval) * time.Second
	streamRot, err := rotator.New(rotator.Options{
		DB:         db,
		Prefix:     "full",
		Interval:   cfg.StreamInterval(),
		SafeMargin: safeMargin,
		Clock:      r.clock,
		Log:        r.log,
		Backup:     backupRunner(pipeline),
		StartTime:  opts.StartTime,
		OnRotate:   func() { r.metrics.RotationsTotal.WithLabelValues("full").Inc() },
	})
	if err != nil {
		return nil, err
	}

	var snapRot *rotator.Rotator
	if cfg.Snapshot {
		snapRot, err = rotator.New(rotator.Options{
			DB:         db,
			Prefix:     "orderbook",
			Interval:   cfg.SnapshotInterval(),
			SafeMargin: safeMargin,
			Clock:      r.clock,
			Log:        r.log,
			Backup:     backupRunner(pipeline),
			OnRotate:   func() { r.metrics.RotationsTotal.WithLabelValues("orderbook").Inc() },
		})
		if err != nil {
			return nil, err
		}
	}
	r.manager = rotator.NewManager(db, streamRot, snapRot, r.clock)

	creds := exchange.Credentials{Key: cfg.CBKey, Secret: cfg.CBSecret, Passphrase: cfg.CBPassphrase}
	rest := exchange.NewRestClient(cfg.RestURL, creds, r.clock, r.log)
	r.handler = collector.NewHandler(collector.Options{
		Sink: r.manager,
		REST: rest,
		NewREST: func() exchange.RestAPI {
			rest.Refresh()
			return rest
		},
		Products: cfg.ProductIDs,
		Clock:    r.clock,
		Log:      r.log,
		Metrics:  r.metrics,
	})

	if crash, ok, err := r.crashStore.Load(r.clock.Now().UTC(), crashMaxAge); err != nil {
		return nil, err
	} else if ok {
		r.log.Info().Time("crash_time", crash.Time).Msg("seeding trackers from crash state")
		r.handler.SeedFromCrashState(crash)
	}

	if cfg.Snapshot {
		grid := time.Duration(cfg.SnapshotIntervalSeconds) * time.Second
		if cfg.IsProduction {
			grid = time.Duration(cfg.SnapshotIntervalMinutes) * time.Minute
		}
		r.poller = &collector.SnapshotPoller{
			Sink:     snapshotSink{r.manager},
			Fetch:    r.handler.OrderBook,
			Products: r.handler.Products,
			Grid:     grid,
			Clock:    r.clock,
			Log:      r.log,
			Metrics:  r.metrics,
		}
	}

	r.watcher = &control.Watcher{
		Cfg:         cfg,
		Stream:      streamProxy{r},
		Tracker:     r.handler,
		Manager:     r.manager,
		Clock:       r.clock,
		Log:         r.log,
		RequestExit: r.requestExit,
	}

	if cfg.MonitorAddr != "" {
		r.monitor = telemetry.NewMonitor(cfg.MonitorAddr, r.metrics, r.health, r.log)
	}
	return r, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (storage.Database, error) {
	switch cfg.DatabaseType {
	case "simple":
		return storage.OpenFS(cfg.DBPath, cfg.DatabaseName)
	case "mongodb", "documentdb":
		return storage.OpenMongo(ctx, cfg.MongoURL, cfg.DatabaseName, storage.MongoOptions{
			DocumentDB: cfg.DatabaseType == "documentdb",
			Host:       cfg.DatabaseHost,
			Username:   cfg.DatabaseUsername,
			Password:   cfg.DatabasePassword,
			SSLCAFile:  cfg.SSLCAFile,
		})
	}
	return nil, fmt.Errorf("unknown database_type %q", cfg.DatabaseType)
}

// buildPipeline assembles the shared backup pipeline. Both rotators invoke
// the same instance; the mutex serializes cycles and the backup log makes
// the double trigger per rotation harmless.
func (r *Runtime) buildPipeline(ctx context.Context) (*backup.Pipeline, error) {
	cfg := r.cfg
	var shipper, overwriteShipper backup.Shipper
	switch cfg.BackupType {
	case "aws":
		s3, err := backup.NewS3Shipper(ctx, backup.S3Options{
			Bucket:          cfg.S3BucketName,
			Folder:          cfg.BackupFolderPath,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		shipper = s3
		if len(cfg.BackupOverwriteCollections) > 0 {
			ow, err := backup.NewS3Shipper(ctx, backup.S3Options{
				Bucket:          cfg.S3BucketName,
				Folder:          cfg.BackupOverwriteFolderPath,
				Region:          cfg.AWSRegion,
				AccessKeyID:     cfg.AWSAccessKeyID,
				SecretAccessKey: cfg.AWSSecretAccessKey,
			})
			if err != nil {
				return nil, err
			}
			overwriteShipper = ow
		}
	case "local":
		shipper = &backup.LocalShipper{Dir: cfg.BackupFolderPath}
		if len(cfg.BackupOverwriteCollections) > 0 {
			overwriteShipper = &backup.LocalShipper{Dir: cfg.BackupOverwriteFolderPath}
		}
	default:
		return nil, fmt.Errorf("unknown backup_type %q", cfg.BackupType)
	}

	return &backup.Pipeline{
		Mutex:             &sync.Mutex{},
		DB:                r.db,
		Log:               r.backupLog,
		Shipper:           shipper,
		Codec:             cfg.BackupCompressionType,
		Prefixes:          cfg.BackupCollections,
		OverwritePrefixes: cfg.BackupOverwriteCollections,
		OverwriteShipper:  overwriteShipper,
		TempDir:           cfg.TempBackupFolder,
		Production:        cfg.IsProduction,
		Clock:             r.clock,
		Logger:            r.log,
		Metrics:           r.metrics,
	}, nil
}

// Run blocks until shutdown and returns the process exit code.
func (r *Runtime) Run(ctx context.Context) int {
	if r.startTime != nil {
		lead := r.startTime.Add(-startLead)
		if d := lead.Sub(r.clock.Now()); d > 0 {
			r.log.Info().Time("start_time", *r.startTime).Msg("waiting for start time")
			r.clock.Sleep(d)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.monitor != nil {
		go func() {
			if err := r.monitor.Run(ctx); err != nil {
				r.log.Error().Err(err).Msg("monitor stopped")
			}
		}()
	}
	go func() { _ = r.manager.Run(ctx) }()
	if r.poller != nil {
		go func() { _ = r.poller.Run(ctx) }()
	}
	go func() { _ = r.watcher.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGHUP, syscall.SIGABRT, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	connErr := make(chan error, 1)
	go func() { connErr <- r.connectionLoop(ctx) }()

	select {
	case sig := <-sigCh:
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
			r.log.Info().Str("signal", sig.String()).Msg("shutdown signal")
			return r.shutdown(cancel, 0)
		default:
			r.log.Error().Str("signal", sig.String()).Msg("crash signal")
			return r.shutdown(cancel, 1)
		}
	case code := <-r.exitCh:
		return r.shutdown(cancel, code)
	case err := <-connErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Msg("stream failed")
			return r.shutdown(cancel, 1)
		}
		return r.shutdown(cancel, 0)
	}
}

// connectionLoop keeps one stream client alive, with capped exponential
// backoff when connections die quickly.
func (r *Runtime) connectionLoop(ctx context.Context) error {
	header := exchange.WSHeader(exchange.Credentials{
		Key:        r.cfg.CBKey,
		Secret:     r.cfg.CBSecret,
		Passphrase: r.cfg.CBPassphrase,
	})
	delay := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stream := exchange.NewStreamClient(
			r.cfg.WebsocketURL, header,
			exchange.SubscribeMessage(r.handler.Products()),
			r.handler, r.log)
		r.setStream(stream)

		started := r.clock.Now()
		err := stream.Run(ctx)
		r.setStream(nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, exchange.ErrRestart) {
			return err
		}

		r.metrics.WSReconnects.Inc()
		if r.clock.Now().Sub(started) < reconnectIdle {
			r.log.Warn().Err(err).Dur("backoff", delay).Msg("stream died quickly, backing off")
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		} else {
			r.log.Warn().Err(err).Msg("stream died, reconnecting")
			delay = time.Second
		}
	}
}

// shutdown runs the ordered teardown and persists the crash record so a
// quick restart can resume without a redundant book reset.
func (r *Runtime) shutdown(cancel context.CancelFunc, code int) int {
	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer closeCancel()
	if err := r.manager.Close(closeCtx); err != nil {
		r.log.Error().Err(err).Msg("storage close failed")
	}

	rec := statedb.CrashRecord{
		Time:             r.clock.Now().UTC(),
		Sequence:         r.handler.Sequences(),
		LastMatchTradeID: r.handler.LastMatchTradeIDs(),
	}
	if err := r.crashStore.Save(rec); err != nil {
		r.log.Error().Err(err).Msg("crash record save failed")
	}
	if err := r.crashStore.Close(); err != nil {
		r.log.Error().Err(err).Msg("crash store close failed")
	}
	if err := r.backupLog.Close(); err != nil {
		r.log.Error().Err(err).Msg("backup log close failed")
	}

	r.log.Info().Int("exit_code", code).Msg("collector stopped")
	return code
}

func (r *Runtime) requestExit(code int) {
	select {
	case r.exitCh <- code:
	default:
	}
}

func (r *Runtime) setStream(s *exchange.StreamClient) {
	r.mu.Lock()
	r.stream = s
	r.mu.Unlock()
}

func (r *Runtime) health() (bool, map[string]any) {
	return !r.manager.Stopped(), map[string]any{
		"products":  r.handler.Products(),
		"stopped":   r.manager.Stopped(),
		"backup":    r.manager.BackupInProgress(),
		"sequences": r.handler.Sequences(),
	}
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) error {
	timer := r.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// backupRunner keeps a typed nil out of the rotator's interface field.
func backupRunner(p *backup.Pipeline) rotator.BackupRunner {
	if p == nil {
		return nil
	}
	return p
}

// snapshotSink routes poller output to the snapshot rotator.
type snapshotSink struct {
	m *rotator.Manager
}

func (s snapshotSink) Insert(ctx context.Context, rec storage.Record) error {
	return s.m.InsertSnapshot(ctx, rec)
}

// streamProxy lets the watcher talk to whichever stream client is current.
type streamProxy struct {
	r *Runtime
}

func (p streamProxy) Send(msg map[string]any) error {
	p.r.mu.Lock()
	stream := p.r.stream
	p.r.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("stream not connected")
	}
	return stream.Send(msg)
}

func (p streamProxy) Stop() {
	p.r.mu.Lock()
	stream := p.r.stream
	p.r.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
}
