package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datasleigh/internal/logging"
	"datasleigh/internal/store"
)

// Writer is the subset of *store.Store the buffer's drain loop needs.
// Defined here (rather than depending on *store.Store directly) so tests
// can substitute a fake that returns store.ErrStorageFull on demand.
type Writer interface {
	AppendObservations(obs []store.Observation) error
	AppendDeviceEvents(events []store.DeviceEvent) error
}

// HealthNotifier receives an immediate ping when the buffer enters shed
// mode. Satisfied by *health.Monitor; defined here as a narrow interface so
// the buffer does not depend on internal/health and tests can pass a fake.
type HealthNotifier interface {
	NotifyStorageFull()
}

// Config configures Buffer.
type Config struct {
	Writer Writer

	// Capacity bounds each table's pending queue. Once shed mode engages,
	// the oldest pending record for that table is dropped to admit the
	// newest, so memory stays bounded regardless of subscriber rate.
	Capacity int

	// BatchSize triggers a flush once this many records are pending for a
	// table. Default 5000.
	BatchSize int

	// FlushInterval triggers a flush this long after the last one,
	// regardless of count. Default 300s.
	FlushInterval time.Duration

	Health HealthNotifier
	Now    func() time.Time
	Logger *slog.Logger
}

const (
	defaultCapacity      = 20000
	defaultBatchSize     = 5000
	defaultFlushInterval = 300 * time.Second
)

// Buffer is a bounded, per-table pending queue plus the single drain loop
// that owns the store writer handle. Enqueue is safe from any goroutine;
// the drain loop runs alone in Run.
type Buffer struct {
	writer  Writer
	health  HealthNotifier
	now     func() time.Time
	logger  *slog.Logger
	batch   int
	flushAt time.Duration
	cap     int

	mu      sync.Mutex
	pending map[store.Table][]Message
	shed    bool
	wake    chan struct{}
}

// New returns a ready-to-run Buffer.
func New(cfg Config) *Buffer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Buffer{
		writer:  cfg.Writer,
		health:  cfg.Health,
		now:     cfg.Now,
		logger:  logging.Default(cfg.Logger).With("component", "ingest"),
		batch:   cfg.BatchSize,
		flushAt: cfg.FlushInterval,
		cap:     cfg.Capacity,
		pending: make(map[store.Table][]Message),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a message to its table's pending queue. If the queue is at
// capacity, the oldest pending message for that table is discarded (shed
// mode) and the health notifier is pinged immediately.
func (b *Buffer) Enqueue(msg Message) {
	b.mu.Lock()
	q := b.pending[msg.Table]
	if len(q) >= b.cap {
		q = q[1:]
		if !b.shed {
			b.shed = true
			b.logger.Warn("ingest buffer shedding oldest records", "table", msg.Table)
			if b.health != nil {
				b.health.NotifyStorageFull()
			}
		}
	}
	b.pending[msg.Table] = append(q, msg)
	count := len(b.pending[msg.Table])
	b.mu.Unlock()

	if count >= b.batch {
		b.signalFlush()
	}
}

// flushSignal is a non-blocking wakeup for Run's select loop.
var flushSignal = struct{}{}

func (b *Buffer) signalFlush() {
	select {
	case b.wake <- flushSignal:
	default:
	}
}

// Run drains pending records on the configured batch/interval policy until
// ctx is cancelled. Exactly one goroutine may call Run for a given Buffer.
// A fatal store error (ErrStorageCorrupted) aborts the loop and is returned
// to the caller instead of being retried forever.
func (b *Buffer) Run(ctx context.Context) error {
	timer := time.NewTimer(b.flushAt)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = b.flush()
			return nil
		case <-timer.C:
			if err := b.flush(); err != nil {
				return err
			}
			timer.Reset(b.flushAt)
		case <-b.wake:
			if err := b.flush(); err != nil {
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.flushAt)
		}
	}
}

// flush drains the pending queues through the writer. It returns a non-nil
// error only when a fatal condition (store corruption) was hit; transient
// errors are handled internally by re-queueing.
func (b *Buffer) flush() error {
	b.mu.Lock()
	obs := b.pending[store.TableObservations]
	events := b.pending[store.TableDeviceEvents]
	b.pending[store.TableObservations] = nil
	b.pending[store.TableDeviceEvents] = nil
	b.mu.Unlock()

	ok := true
	if len(obs) > 0 {
		records := make([]store.Observation, len(obs))
		for i, m := range obs {
			records[i] = m.Observation
		}
		if err := b.writer.AppendObservations(records); err != nil {
			if fatal := b.handleFlushError(store.TableObservations, obs, err); fatal != nil {
				return fatal
			}
			ok = false
		}
	}
	if len(events) > 0 {
		records := make([]store.DeviceEvent, len(events))
		for i, m := range events {
			records[i] = m.DeviceEvent
		}
		if err := b.writer.AppendDeviceEvents(records); err != nil {
			if fatal := b.handleFlushError(store.TableDeviceEvents, events, err); fatal != nil {
				return fatal
			}
			ok = false
		}
	}

	if ok {
		b.mu.Lock()
		b.shed = false
		b.mu.Unlock()
	}
	return nil
}

// handleFlushError re-queues a failed batch (so no record is silently lost
// on a transient error) and, for ErrStorageFull specifically, notifies
// health immediately since this is the authoritative shed-mode trigger.
// ErrStorageCorrupted is not re-queued: the store will never accept the
// record, so it is returned as a fatal error for Run to propagate instead
// of looping forever.
func (b *Buffer) handleFlushError(table store.Table, batch []Message, err error) error {
	if errors.Is(err, store.ErrStorageCorrupted) {
		b.logger.Error("store corrupted, halting ingest", "table", table, "error", err)
		return fmt.Errorf("ingest: store corrupted while flushing %s: %w", table, err)
	}

	b.logger.Error("flush failed, re-queueing batch", "table", table, "error", err)
	b.mu.Lock()
	b.pending[table] = append(batch, b.pending[table]...)
	b.mu.Unlock()

	if errors.Is(err, store.ErrStorageFull) {
		b.mu.Lock()
		alreadyShedding := b.shed
		b.shed = true
		b.mu.Unlock()
		if !alreadyShedding && b.health != nil {
			b.health.NotifyStorageFull()
		}
	}
	return nil
}
