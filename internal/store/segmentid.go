package store

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// segmentIDEncoding is base32hex (RFC 4648) lowercase without padding.
// The alphabet 0-9a-v preserves lexicographic sort order, so segment
// directory names sort in creation order on disk.
var segmentIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// SegmentID names one on-disk write-ahead segment of a table. It is a
// UUIDv7 (embeds a millisecond creation timestamp) rendered as a
// 26-character lowercase base32hex string, so segment directories sort
// chronologically by name alone.
type SegmentID [16]byte

// NewSegmentID creates a SegmentID from a fresh UUIDv7.
func NewSegmentID() SegmentID {
	return SegmentID(uuid.Must(uuid.NewV7()))
}

// ParseSegmentID parses a 26-character base32hex string into a SegmentID.
func ParseSegmentID(value string) (SegmentID, error) {
	if len(value) != 26 {
		return SegmentID{}, fmt.Errorf("invalid segment id length: %d (want 26)", len(value))
	}
	decoded, err := segmentIDEncoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		return SegmentID{}, fmt.Errorf("invalid segment id: %w", err)
	}
	var id SegmentID
	copy(id[:], decoded)
	return id, nil
}

// String returns the 26-character lowercase base32hex representation.
func (id SegmentID) String() string {
	return strings.ToLower(segmentIDEncoding.EncodeToString(id[:]))
}

// Time returns the creation time embedded in the UUIDv7 SegmentID.
func (id SegmentID) Time() time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms)
}
