package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	dataLogName = "data.log"
	idxLogName  = "idx.log"

	headerMagic   = "SLGH"
	headerVersion = byte(1)
	headerSize    = 8 // magic(4) version(1) sealed(1) reserved(2)

	idxEntrySize = 8 + 4 + 8 // offset(u64) length(u32) tsNanos(i64)
)

func encodeHeader(sealed bool) []byte {
	buf := make([]byte, headerSize)
	copy(buf, headerMagic)
	buf[4] = headerVersion
	if sealed {
		buf[5] = 1
	}
	return buf
}

func validateHeader(buf []byte) (sealed bool, err error) {
	if len(buf) < headerSize || string(buf[0:4]) != headerMagic {
		return false, fmt.Errorf("%w: bad header magic", ErrStorageCorrupted)
	}
	if buf[4] != headerVersion {
		return false, fmt.Errorf("%w: unsupported header version %d", ErrStorageCorrupted, buf[4])
	}
	return buf[5] != 0, nil
}

// tableSegment is one open write-ahead segment for a single table: a
// data.log of unprefixed encoded records and a parallel idx.log of
// fixed-size (offset, length, timestamp) entries, mirroring the
// split-file, fixed-index-entry layout of a conventional log-structured
// store.
type tableSegment struct {
	dir         string
	id          SegmentID
	dataFile    *os.File
	idxFile     *os.File
	dataOffset  int64
	recordCount int64
	createdAt   time.Time
	sealed      bool
}

func tableDir(storeDir string, table Table) string {
	return filepath.Join(storeDir, string(table))
}

func segmentDir(storeDir string, table Table, id SegmentID) string {
	return filepath.Join(tableDir(storeDir, table), id.String())
}

// openNewSegment creates and opens a fresh segment directory for table.
func openNewSegment(storeDir string, table Table, now time.Time) (*tableSegment, error) {
	id := NewSegmentID()
	dir := segmentDir(storeDir, table, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	dataFile, err := os.OpenFile(filepath.Join(dir, dataLogName), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}
	if _, err := dataFile.Write(encodeHeader(false)); err != nil {
		_ = dataFile.Close()
		return nil, err
	}

	idxFile, err := os.OpenFile(filepath.Join(dir, idxLogName), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		_ = dataFile.Close()
		return nil, err
	}
	idxHeader := encodeHeader(false)
	var createdBuf [8]byte
	binary.LittleEndian.PutUint64(createdBuf[:], uint64(now.UnixNano()))
	if _, err := idxFile.Write(append(idxHeader, createdBuf[:]...)); err != nil {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, err
	}

	return &tableSegment{
		dir:        dir,
		id:         id,
		dataFile:   dataFile,
		idxFile:    idxFile,
		dataOffset: headerSize,
		createdAt:  now,
	}, nil
}

// openExistingSegment reopens an unsealed segment found on disk, truncating
// any partial tail write left by a crash between the data.log and idx.log
// writes for the same record.
func openExistingSegment(storeDir string, table Table, id SegmentID) (*tableSegment, error) {
	dir := segmentDir(storeDir, table, id)

	dataFile, err := os.OpenFile(filepath.Join(dir, dataLogName), os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}
	idxFile, err := os.OpenFile(filepath.Join(dir, idxLogName), os.O_RDWR, 0o640)
	if err != nil {
		_ = dataFile.Close()
		return nil, err
	}

	idxHeaderBuf := make([]byte, headerSize+8)
	if _, err := io.ReadFull(idxFile, idxHeaderBuf); err != nil {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
	}
	sealed, err := validateHeader(idxHeaderBuf[:headerSize])
	if err != nil {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, err
	}
	createdAtNanos := int64(binary.LittleEndian.Uint64(idxHeaderBuf[headerSize:]))

	idxInfo, err := idxFile.Stat()
	if err != nil {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, err
	}
	idxBodyBytes := idxInfo.Size() - int64(headerSize+8)
	if idxBodyBytes < 0 || idxBodyBytes%idxEntrySize != 0 {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, fmt.Errorf("%w: idx.log size %d not a multiple of entry size", ErrStorageCorrupted, idxBodyBytes)
	}
	recordCount := idxBodyBytes / idxEntrySize

	var expectedDataSize int64 = headerSize
	if recordCount > 0 {
		lastEntryOff := int64(headerSize+8) + (recordCount-1)*idxEntrySize
		entryBuf := make([]byte, idxEntrySize)
		if _, err := idxFile.ReadAt(entryBuf, lastEntryOff); err != nil {
			_ = dataFile.Close()
			_ = idxFile.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
		}
		offset := int64(binary.LittleEndian.Uint64(entryBuf[0:8]))
		length := int64(binary.LittleEndian.Uint32(entryBuf[8:12]))
		expectedDataSize = offset + length
	}

	dataInfo, err := dataFile.Stat()
	if err != nil {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, err
	}
	if dataInfo.Size() > expectedDataSize {
		if err := dataFile.Truncate(expectedDataSize); err != nil {
			_ = dataFile.Close()
			_ = idxFile.Close()
			return nil, err
		}
	} else if dataInfo.Size() < expectedDataSize {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, fmt.Errorf("%w: data.log shorter than idx.log implies", ErrStorageCorrupted)
	}

	if _, err := dataFile.Seek(0, io.SeekEnd); err != nil {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, err
	}
	if _, err := idxFile.Seek(0, io.SeekEnd); err != nil {
		_ = dataFile.Close()
		_ = idxFile.Close()
		return nil, err
	}

	return &tableSegment{
		dir:         dir,
		id:          id,
		dataFile:    dataFile,
		idxFile:     idxFile,
		dataOffset:  expectedDataSize,
		recordCount: recordCount,
		createdAt:   time.Unix(0, createdAtNanos).UTC(),
		sealed:      sealed,
	}, nil
}

// append writes one encoded record with its timestamp and returns the
// record's zero-based position within this segment.
func (s *tableSegment) append(encoded []byte, ts time.Time) (int64, error) {
	if _, err := s.dataFile.Write(encoded); err != nil {
		return 0, err
	}
	var entry [idxEntrySize]byte
	binary.LittleEndian.PutUint64(entry[0:8], uint64(s.dataOffset))
	binary.LittleEndian.PutUint32(entry[8:12], uint32(len(encoded)))
	binary.LittleEndian.PutUint64(entry[12:20], uint64(ts.UnixNano()))
	if _, err := s.idxFile.Write(entry[:]); err != nil {
		return 0, err
	}

	pos := s.recordCount
	s.dataOffset += int64(len(encoded))
	s.recordCount++
	return pos, nil
}

// bytes returns the total on-disk bytes written to this segment so far,
// for rotation-policy size checks.
func (s *tableSegment) bytes() int64 {
	return s.dataOffset + headerSize + 8 + s.recordCount*idxEntrySize
}

// setSealed flips the sealed flag in both file headers and fsyncs them.
func (s *tableSegment) setSealed() error {
	s.sealed = true
	if _, err := s.dataFile.WriteAt([]byte{1}, 5); err != nil {
		return err
	}
	if err := s.dataFile.Sync(); err != nil {
		return err
	}
	if _, err := s.idxFile.WriteAt([]byte{1}, 5); err != nil {
		return err
	}
	return s.idxFile.Sync()
}

func (s *tableSegment) close() error {
	var firstErr error
	if err := s.dataFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.idxFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// readAllSegment decodes and returns every record in this segment, in append
// order, via decode. Used by Snapshot readers; segments are small enough
// (bounded by the checkpoint policy) that a full sequential scan per
// snapshot is acceptable and keeps the reader side free of mmap lifetime
// concerns.
func readAllSegment[T any](s *tableSegment, upTo int64, decode func([]byte) (T, error)) ([]T, error) {
	if upTo < 0 || upTo > s.recordCount {
		upTo = s.recordCount
	}
	if upTo == 0 {
		return nil, nil
	}

	idxBody := make([]byte, upTo*idxEntrySize)
	if _, err := s.idxFile.ReadAt(idxBody, headerSize+8); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
	}

	if _, err := s.dataFile.Seek(headerSize, io.SeekStart); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(s.dataFile)

	out := make([]T, 0, upTo)
	for i := int64(0); i < upTo; i++ {
		entry := idxBody[i*idxEntrySize : (i+1)*idxEntrySize]
		length := int(binary.LittleEndian.Uint32(entry[8:12]))
		buf := make([]byte, length)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
		}
		rec, err := decode(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	// Restore the file position to end-of-data for subsequent appends.
	if _, err := s.dataFile.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return out, nil
}
