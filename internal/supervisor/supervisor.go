// Package supervisor is Data Sleigh's composition root: it owns the store
// writer handle, wires both subscribers to the ingest buffer, and runs the
// health monitor and publisher alongside them until shutdown.
//
// Grounded on the teacher's internal/orchestrator.Orchestrator: one process
// owns the single writer, hands out read-only snapshot capability to the
// components that need it, and launches every long-running component in
// its own goroutine under a shared cancellable context.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datasleigh/internal/analysis/segment"
	"datasleigh/internal/config"
	"datasleigh/internal/health"
	"datasleigh/internal/ingest"
	"datasleigh/internal/logging"
	"datasleigh/internal/publish"
	"datasleigh/internal/store"
	"datasleigh/internal/subscriber"
	"datasleigh/internal/subscriber/cloudsub"
	"datasleigh/internal/subscriber/mqttsub"
)

// maxRestartsPerHour bounds how many times Supervisor will relaunch a
// subscriber whose Run method returns, before giving up on it for the
// remainder of the process lifetime. A subscriber that keeps failing this
// fast is almost certainly misconfigured (bad credentials, unreachable
// host), not experiencing transient network loss — Run's own backoff
// policy already absorbs the latter without returning.
const maxRestartsPerHour = 12

// healthCheckInterval is how often the health monitor samples resource
// usage and checks size/space thresholds.
const healthCheckInterval = 60 * time.Second

// Supervisor is the long-running composition root for one Data Sleigh
// process.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *store.Store
	buffer  *ingest.Buffer
	health  *health.Monitor
	pub     *publish.Publisher
	sourceA subscriber.Subscriber
	sourceB subscriber.Subscriber

	// restartDelay is the pause between a subscriber's Run returning and
	// its next restart attempt. Overridable in tests; defaults to 1s.
	restartDelay time.Duration
}

// New opens the store and wires every component. The store is opened here
// (not deferred to Run) so a bad store path or a second running process
// fails fast, before any subscriber or network call is attempted.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	logger = logging.Default(logger)

	st, err := store.Open(store.Config{
		Dir:                 cfg.Store.Path,
		CheckpointBytes:     cfg.Store.CheckpointBytes,
		CheckpointAge:       cfg.Store.CheckpointAge,
		FreeSpaceFloorBytes: cfg.Store.FreeSpaceFloorBytes,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	healthMon := health.New(health.Config{
		StoreDir: cfg.Store.Path,
		Thresholds: health.Thresholds{
			DBSizeMB:      cfg.Alert.DBSizeMB,
			FreeSpaceMB:   cfg.Alert.FreeSpaceMB,
			CooldownHours: cfg.Alert.CooldownHours,
		},
		EmailTo: cfg.Alert.EmailTo,
		Mailer:  health.SMTPMailer{Addr: cfg.Alert.SMTPAddr, From: cfg.Alert.SMTPFrom},
		Logger:  logger,
	})

	buffer := ingest.New(ingest.Config{
		Writer:        st,
		BatchSize:     cfg.Store.BatchSize,
		FlushInterval: cfg.Store.FlushInterval,
		Health:        healthMon,
		Logger:        logger,
	})

	topics := make([]mqttsub.TopicBinding, 0, len(cfg.SourceA.Topics))
	for _, t := range cfg.SourceA.Topics {
		topics = append(topics, mqttsub.TopicBinding{Pattern: t.Pattern, Table: store.TableObservations})
	}
	sourceA := mqttsub.New(mqttsub.Config{
		Broker:    fmt.Sprintf("%s:%d", cfg.SourceA.Broker, cfg.SourceA.Port),
		Username:  cfg.SourceA.User,
		Password:  cfg.SourceA.Pass,
		QoS:       cfg.SourceA.QoS,
		Keepalive: cfg.SourceA.Keepalive,
		Topics:    topics,
		Logger:    logger,
	})

	sourceB := cloudsub.New(cloudsub.Config{
		TokenEndpoint: cfg.SourceB.TokenEndpoint,
		StreamURL:     cfg.SourceB.StreamURL,
		UAID:          cfg.SourceB.UAID,
		Secret:        cfg.SourceB.Secret,
		DevicesAir:    cfg.SourceB.DevicesAir,
		DevicesWater:  cfg.SourceB.DevicesWater,
		Logger:        logger,
	})

	pub, err := publish.New(ctx, publish.Config{
		Store:                         st,
		Rotate:                        st,
		Season:                        cfg.Season,
		Bucket:                        cfg.Publish.Bucket,
		Key:                           cfg.Publish.Key,
		BackupPrefix:                  cfg.Publish.BackupPrefix,
		AWSAccessKey:                  cfg.Publish.AWSAccessKeyID,
		AWSSecretKey:                  cfg.Publish.AWSSecretAccessKey,
		AWSRegion:                     cfg.Publish.AWSRegion,
		IntervalSeconds:               cfg.Publish.IntervalSeconds,
		MinutesOfData:                 cfg.Publish.MinutesOfData,
		ReplayDelaySeconds:            cfg.Publish.ReplayDelaySeconds,
		MaxConsecutivePublishFailures: cfg.Publish.MaxConsecutivePublishFailures,
		SegmentConfig: segment.Config{
			JumpThreshold:    cfg.Segment.JumpThreshold,
			MinGoodness:      cfg.Segment.MinGoodness,
			MinSegmentLength: cfg.Segment.MinSegmentLength,
			MinSeriesLength:  cfg.Segment.MinSeriesLength,
		},
		BackupDayOfMonth: cfg.Backup.DayOfMonth,
		BackupHour:       cfg.Backup.Hour,
		Logger:           logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("construct publisher: %w", err)
	}

	return &Supervisor{
		cfg:          cfg,
		logger:       logger.With("component", "supervisor"),
		store:        st,
		buffer:       buffer,
		health:       healthMon,
		pub:          pub,
		sourceA:      sourceA,
		sourceB:      sourceB,
		restartDelay: time.Second,
	}, nil
}

// Run launches every component and blocks until ctx is cancelled or a
// non-recoverable component error occurs. On return the store has been
// closed.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = s.store.Close() }()

	s.logger.Info("starting")
	s.health.NotifyStartup(s.cfg)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.buffer.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("ingest buffer: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.health.Run(ctx, healthCheckInterval) //nolint:errcheck // Run only returns nil
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.pub.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("publisher: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.runSubscriberWithRestart(ctx, "source_a", s.sourceA, s.bufferFeed(ctx)); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.runSubscriberWithRestart(ctx, "source_b", s.sourceB, s.bufferFeed(ctx)); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	s.logger.Info("started")

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-errCh:
		s.logger.Error("component failed, shutting down", "error", fatal)
		cancel()
	}

	wg.Wait()
	s.logger.Info("stopped")
	return fatal
}

// runSubscriberWithRestart relaunches sub.Run whenever it returns, subject
// to a sliding-window cap of maxRestartsPerHour. Run is expected to loop
// internally on transient connection loss (its own backoff policy); a
// returned error here signals something Run itself couldn't recover from,
// so repeated fast restarts indicate a configuration problem rather than
// network flakiness. Once the restart budget is exhausted, the subscriber
// is given up on permanently and a fatal error is returned so Run can exit
// the whole process non-zero rather than carry on silently short a source.
func (s *Supervisor) runSubscriberWithRestart(ctx context.Context, name string, sub subscriber.Subscriber, out chan<- ingest.Message) error {
	log := s.logger.With("subscriber", name)
	var restarts []time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := sub.Run(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Error("subscriber exited", "error", err)
		}

		now := time.Now()
		restarts = append(restarts, now)
		cutoff := now.Add(-time.Hour)
		kept := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		restarts = kept

		if len(restarts) > maxRestartsPerHour {
			log.Error("subscriber restart budget exceeded for this hour, giving up", "restarts", len(restarts))
			if err != nil {
				return fmt.Errorf("subscriber %s: restart budget of %d/hour exceeded: %w", name, maxRestartsPerHour, err)
			}
			return fmt.Errorf("subscriber %s: restart budget of %d/hour exceeded", name, maxRestartsPerHour)
		}

		log.Warn("restarting subscriber", "restart_count", len(restarts))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.restartDelay):
		}
	}
}

// bufferFeed adapts Buffer.Enqueue to the chan<- ingest.Message signature
// subscribers expect, with one long-lived relay goroutine per subscriber
// that outlives individual Run restarts and exits when ctx is cancelled.
// Buffer.Enqueue itself never blocks on I/O; the channel only exists to
// match subscriber.Subscriber's Run signature.
func (s *Supervisor) bufferFeed(ctx context.Context) chan<- ingest.Message {
	ch := make(chan ingest.Message, 256)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				s.buffer.Enqueue(msg)
			}
		}
	}()
	return ch
}
