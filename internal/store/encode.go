package store

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

func float64bits(f float64) uint64     { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// ErrRecordTooLarge is returned when an encoded record would exceed the
// store's 1 MiB per-record limit.
var ErrRecordTooLarge = errors.New("store: encoded record too large")

// Binary record formats. Every record is stored as a blob in data.log with
// no prefix of its own; idx.log holds one fixed-size (offset, length,
// timestamp) entry per record, so record lengths, the record count and the
// time bounds of a segment are known without scanning data.log.

func putString(buf []byte, offset int, s string) int {
	binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:], s)
	return offset + len(s)
}

func getString(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", 0, ErrStorageCorrupted
	}
	n := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	if offset+n > len(buf) {
		return "", 0, ErrStorageCorrupted
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

// encodeObservation serializes an Observation (without its ID, which is
// assigned by position within the segment) into data.log wire format.
//
// Layout: timestampNanos(i64) topic(u16-prefixed) payload(u16-prefixed)
// qos(u8) retained(u8)
func encodeObservation(o Observation) ([]byte, error) {
	size := 8 + 2 + len(o.Topic) + 2 + len(o.Payload) + 1 + 1
	if size > 1<<20 {
		return nil, ErrRecordTooLarge
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(o.Timestamp.UnixNano()))
	offset := 8
	offset = putString(buf, offset, o.Topic)
	offset = putString(buf, offset, o.Payload)
	buf[offset] = o.QoS
	offset++
	if o.Retained {
		buf[offset] = 1
	}
	return buf, nil
}

func decodeObservation(buf []byte) (Observation, error) {
	if len(buf) < 8 {
		return Observation{}, ErrStorageCorrupted
	}
	ts := int64(binary.LittleEndian.Uint64(buf[0:8]))
	offset := 8
	topic, offset, err := getString(buf, offset)
	if err != nil {
		return Observation{}, err
	}
	payload, offset, err := getString(buf, offset)
	if err != nil {
		return Observation{}, err
	}
	if offset+2 > len(buf) {
		return Observation{}, ErrStorageCorrupted
	}
	qos := buf[offset]
	retained := buf[offset+1] != 0
	return Observation{
		Timestamp: time.Unix(0, ts).UTC(),
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Retained:  retained,
	}, nil
}

// encodeDeviceEvent serializes a DeviceEvent into data.log wire format.
//
// Layout: timestampNanos(i64) deviceID(u16-prefixed) class(u8)
// hasTemp(u8) temp(f64) hasHumidity(u8) humidity(f64) battery(i32)
// signal(i32) rawPayload(u32-prefixed)
func encodeDeviceEvent(e DeviceEvent) ([]byte, error) {
	size := 8 + 2 + len(e.DeviceID) + 1 + 1 + 8 + 1 + 8 + 4 + 4 + 4 + len(e.RawPayload)
	if size > 1<<20 {
		return nil, ErrRecordTooLarge
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Timestamp.UnixNano()))
	offset := 8
	offset = putString(buf, offset, e.DeviceID)

	var class byte
	if e.DeviceClass == DeviceClassWater {
		class = 1
	}
	buf[offset] = class
	offset++

	if e.HasTemperature {
		buf[offset] = 1
	}
	offset++
	binary.LittleEndian.PutUint64(buf[offset:offset+8], float64bits(e.Temperature))
	offset += 8

	if e.HasHumidity {
		buf[offset] = 1
	}
	offset++
	binary.LittleEndian.PutUint64(buf[offset:offset+8], float64bits(e.Humidity))
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(int32(e.Battery)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(int32(e.Signal)))
	offset += 4

	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(e.RawPayload)))
	offset += 4
	copy(buf[offset:], e.RawPayload)

	return buf, nil
}

func decodeDeviceEvent(buf []byte) (DeviceEvent, error) {
	if len(buf) < 8 {
		return DeviceEvent{}, ErrStorageCorrupted
	}
	ts := int64(binary.LittleEndian.Uint64(buf[0:8]))
	offset := 8
	deviceID, offset, err := getString(buf, offset)
	if err != nil {
		return DeviceEvent{}, err
	}
	if offset+1 > len(buf) {
		return DeviceEvent{}, ErrStorageCorrupted
	}
	class := DeviceClassAir
	if buf[offset] == 1 {
		class = DeviceClassWater
	}
	offset++

	if offset+18 > len(buf) {
		return DeviceEvent{}, ErrStorageCorrupted
	}
	hasTemp := buf[offset] != 0
	offset++
	temp := float64frombits(binary.LittleEndian.Uint64(buf[offset : offset+8]))
	offset += 8
	hasHumidity := buf[offset] != 0
	offset++
	humidity := float64frombits(binary.LittleEndian.Uint64(buf[offset : offset+8]))
	offset += 8

	if offset+12 > len(buf) {
		return DeviceEvent{}, ErrStorageCorrupted
	}
	battery := int(int32(binary.LittleEndian.Uint32(buf[offset : offset+4])))
	offset += 4
	signal := int(int32(binary.LittleEndian.Uint32(buf[offset : offset+4])))
	offset += 4
	rawLen := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	if offset+rawLen > len(buf) {
		return DeviceEvent{}, ErrStorageCorrupted
	}
	raw := string(buf[offset : offset+rawLen])

	return DeviceEvent{
		Timestamp:      time.Unix(0, ts).UTC(),
		DeviceID:       deviceID,
		DeviceClass:    class,
		Temperature:    temp,
		HasTemperature: hasTemp,
		Humidity:       humidity,
		HasHumidity:    hasHumidity,
		Battery:        battery,
		Signal:         signal,
		RawPayload:     raw,
	}, nil
}
