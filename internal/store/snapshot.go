package store

import (
	"os"
	"path/filepath"
)

// tableBound captures, for one table, the fully-sealed segments plus how
// many records of the (possibly still-growing) active segment existed at
// the moment the snapshot was taken.
type tableBound struct {
	table        Table
	sealed       []SegmentID
	activeID     SegmentID
	hasActive    bool
	activeCount  int64
}

// Snapshot is a read-only, point-in-time view of the Store. It is cheap to
// acquire (no IO beyond reading in-memory segment chain metadata) and must
// be released promptly so the writer's checkpoint is never blocked by a
// slow reader; readers here do not hold any lock across calls, so there is
// nothing to explicitly release, but a Snapshot should still not be reused
// past a bounded interval per the Store contract.
type Snapshot struct {
	dir          string
	observations tableBound
	deviceEvents tableBound
}

// Snapshot returns an opaque read-only handle suitable for analytical
// queries (the Aggregator and Segmenter). Neither checkpoint rotation nor
// Rotate deletes data; both only seal the active segment and start a new
// one, so a Snapshot stays readable for the life of the store directory.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &Snapshot{
		dir:          s.dir,
		observations: boundOf(s.observations),
		deviceEvents: boundOf(s.deviceEvents),
	}, nil
}

func boundOf(ts *tableState) tableBound {
	b := tableBound{
		table:  ts.table,
		sealed: append([]SegmentID(nil), ts.sealed...),
	}
	if ts.active != nil {
		b.hasActive = true
		b.activeID = ts.active.id
		b.activeCount = ts.active.recordCount
	}
	return b
}

// Observations returns every observation visible at snapshot time, in
// append order.
func (snap *Snapshot) Observations() ([]Observation, error) {
	return readBound(snap.dir, snap.observations, decodeObservation)
}

// DeviceEvents returns every device event visible at snapshot time, in
// append order.
func (snap *Snapshot) DeviceEvents() ([]DeviceEvent, error) {
	return readBound(snap.dir, snap.deviceEvents, decodeDeviceEvent)
}

func readBound[T any](dir string, b tableBound, decode func([]byte) (T, error)) ([]T, error) {
	var out []T
	for _, id := range b.sealed {
		recs, err := readSealedSegment(dir, b.table, id, -1, decode)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	if b.hasActive {
		recs, err := readActiveSegment(dir, b.table, b.activeID, b.activeCount, decode)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readSealedSegment[T any](dir string, table Table, id SegmentID, upTo int64, decode func([]byte) (T, error)) ([]T, error) {
	segDir := segmentDir(dir, table, id)
	dataPath := filepath.Join(segDir, dataLogName)
	idxPath := filepath.Join(segDir, idxLogName)

	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dataFile.Close() }()
	idxFile, err := os.Open(idxPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = idxFile.Close() }()

	info, err := idxFile.Stat()
	if err != nil {
		return nil, err
	}
	count := (info.Size() - int64(headerSize+8)) / idxEntrySize

	seg := &tableSegment{dataFile: dataFile, idxFile: idxFile, recordCount: count}
	return readAllSegment(seg, upTo, decode)
}

func readActiveSegment[T any](dir string, table Table, id SegmentID, upTo int64, decode func([]byte) (T, error)) ([]T, error) {
	return readSealedSegment(dir, table, id, upTo, decode)
}
