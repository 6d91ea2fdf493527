package store

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"datasleigh/internal/logging"

	"golang.org/x/sys/unix"
)

const lockFileName = ".lock"

// Config configures Store.Open.
type Config struct {
	// Dir is the store's root directory. It contains one subdirectory per
	// table, each holding one or more segment directories.
	Dir string

	// CheckpointBytes is the write-ahead-region size (summed across
	// data.log + idx.log) that triggers a segment seal-and-rotate.
	// Defaults to ~1 GiB if zero.
	CheckpointBytes int64

	// CheckpointAge triggers a seal-and-rotate once the active segment has
	// been open this long, regardless of size. Zero disables the age check.
	CheckpointAge time.Duration

	// FreeSpaceFloorBytes is the free-space hard floor below which
	// AppendObservations/AppendDeviceEvents return ErrStorageFull.
	FreeSpaceFloorBytes int64

	Now    func() time.Time
	Logger *slog.Logger
}

// Store is Data Sleigh's embedded, single-writer, append-only database: one
// table for Source-A observations and one for Source-B device events, each
// backed by a chain of on-disk segments. Store enforces the single-writer
// invariant with an exclusive lock on Dir; a second process opening the
// same directory fails fast with ErrWriterBusy.
type Store struct {
	mu      sync.Mutex
	dir     string
	lock    *os.File
	now     func() time.Time
	policy  RotationPolicy
	floor   int64
	logger  *slog.Logger
	closed  bool

	observations *tableState
	deviceEvents *tableState
}

// tableState tracks one table's segment chain: zero or more sealed
// segments (oldest first) plus at most one active segment.
type tableState struct {
	table  Table
	sealed []SegmentID
	active *tableSegment

	// nextID is the ID most recently assigned in this table (the next
	// appended record gets nextID+1). It is initialized once at load time
	// from the total record count across every sealed and active segment,
	// then incremented in memory for the
	// remainder of the process lifetime, keeping IDs strictly increasing
	// per table across restarts and segment rotations.
	nextID int64
}

// Open acquires the store directory and returns a ready Store. A second
// process calling Open on the same Dir receives ErrWriterBusy.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store: Config.Dir is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CheckpointBytes == 0 {
		cfg.CheckpointBytes = 1 << 30
	}

	logger := logging.Default(cfg.Logger).With("component", "store")

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.Dir, lockFileName)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrWriterBusy, cfg.Dir)
	}

	policy := NewCompositePolicy(
		NewSizePolicy(cfg.CheckpointBytes),
		NewAgePolicy(cfg.CheckpointAge, cfg.Now),
	)

	s := &Store{
		dir:    cfg.Dir,
		lock:   lockFile,
		now:    cfg.Now,
		policy: policy,
		floor:  cfg.FreeSpaceFloorBytes,
		logger: logger,
	}

	s.observations, err = loadTableState(cfg.Dir, TableObservations)
	if err != nil {
		_ = lockFile.Close()
		return nil, err
	}
	s.deviceEvents, err = loadTableState(cfg.Dir, TableDeviceEvents)
	if err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	logger.Info("store opened", "dir", cfg.Dir)
	return s, nil
}

func loadTableState(storeDir string, table Table) (*tableState, error) {
	dir := tableDir(storeDir, table)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []SegmentID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := ParseSegmentID(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b SegmentID) int {
		return cmp.Compare(a.String(), b.String())
	})

	ts := &tableState{table: table}
	for _, id := range ids {
		seg, err := openExistingSegment(storeDir, table, id)
		if err != nil {
			return nil, err
		}
		if seg.sealed {
			ts.sealed = append(ts.sealed, id)
			ts.nextID += seg.recordCount
			if err := seg.close(); err != nil {
				return nil, err
			}
			continue
		}
		// At most one unsealed segment is expected; if more exist (crash
		// recovery edge case), seal all but the most recently created.
		if ts.active != nil {
			if ts.active.createdAt.After(seg.createdAt) {
				ts.nextID += seg.recordCount
				if err := sealOnDisk(seg); err != nil {
					return nil, err
				}
				ts.sealed = append(ts.sealed, id)
				continue
			}
			older := ts.active.id
			ts.nextID += ts.active.recordCount
			if err := sealOnDisk(ts.active); err != nil {
				return nil, err
			}
			ts.sealed = append(ts.sealed, older)
			ts.active = seg
			continue
		}
		ts.active = seg
	}
	if ts.active != nil {
		ts.nextID += ts.active.recordCount
	}
	slices.SortFunc(ts.sealed, func(a, b SegmentID) int {
		return cmp.Compare(a.String(), b.String())
	})
	return ts, nil
}

func sealOnDisk(seg *tableSegment) error {
	if err := seg.setSealed(); err != nil {
		_ = seg.close()
		return err
	}
	return seg.close()
}

func (s *Store) checkFreeSpace() error {
	if s.floor <= 0 {
		return nil
	}
	var statfs unix.Statfs_t
	if err := unix.Statfs(s.dir, &statfs); err != nil {
		// Best-effort: if we cannot stat the filesystem, do not block writes on it.
		s.logger.Warn("statfs failed, skipping free space check", "error", err)
		return nil
	}
	free := int64(statfs.Bavail) * int64(statfs.Bsize) //nolint:gosec
	if free < s.floor {
		return ErrStorageFull
	}
	return nil
}

func (s *Store) rotateIfNeeded(ts *tableState) error {
	if ts.active == nil {
		return s.openActive(ts)
	}
	state := checkpointState{
		SegmentID:   ts.active.id,
		CreatedAt:   ts.active.createdAt,
		Bytes:       ts.active.bytes(),
		RecordCount: ts.active.recordCount,
	}
	if ts.active.recordCount == 0 || !s.policy.ShouldRotate(state) {
		return nil
	}
	s.logger.Info("checkpoint: sealing segment",
		"table", ts.table, "segment", ts.active.id.String(),
		"bytes", state.Bytes, "records", state.RecordCount)
	if err := ts.active.setSealed(); err != nil {
		return err
	}
	sealedID := ts.active.id
	if err := ts.active.close(); err != nil {
		return err
	}
	ts.sealed = append(ts.sealed, sealedID)
	ts.active = nil
	return s.openActive(ts)
}

func (s *Store) openActive(ts *tableState) error {
	seg, err := openNewSegment(s.dir, ts.table, s.now())
	if err != nil {
		return err
	}
	ts.active = seg
	return nil
}

// AppendObservations atomically appends a batch of Source-A observations,
// assigning strictly increasing IDs in append order.
func (s *Store) AppendObservations(obs []Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(obs) == 0 {
		return nil
	}
	if err := s.checkFreeSpace(); err != nil {
		return err
	}
	if err := s.rotateIfNeeded(s.observations); err != nil {
		return err
	}

	for i, o := range obs {
		encoded, err := encodeObservation(o)
		if err != nil {
			return err
		}
		if _, err := s.observations.active.append(encoded, o.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
		}
		s.observations.nextID++
		obs[i].ID = s.observations.nextID
	}
	return nil
}

// AppendDeviceEvents atomically appends a batch of Source-B device events.
func (s *Store) AppendDeviceEvents(events []DeviceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}
	if err := s.checkFreeSpace(); err != nil {
		return err
	}
	if err := s.rotateIfNeeded(s.deviceEvents); err != nil {
		return err
	}

	for i, e := range events {
		encoded, err := encodeDeviceEvent(e)
		if err != nil {
			return err
		}
		if _, err := s.deviceEvents.active.append(encoded, e.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
		}
		s.deviceEvents.nextID++
		events[i].ID = s.deviceEvents.nextID
	}
	return nil
}

// Rotate seals the current active segment of both tables (if non-empty)
// and opens a fresh one, for use by the Publisher's monthly cold-backup
// cycle.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ts := range []*tableState{s.observations, s.deviceEvents} {
		if ts.active != nil && ts.active.recordCount > 0 {
			if err := ts.active.setSealed(); err != nil {
				return err
			}
			sealedID := ts.active.id
			if err := ts.active.close(); err != nil {
				return err
			}
			ts.sealed = append(ts.sealed, sealedID)
			ts.active = nil
		}
		if err := s.openActive(ts); err != nil {
			return err
		}
	}
	s.logger.Info("store rotated")
	return nil
}

// Close flushes and closes the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, ts := range []*tableState{s.observations, s.deviceEvents} {
		if ts.active != nil {
			if err := ts.active.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := s.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("store closed")
	return firstErr
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }
