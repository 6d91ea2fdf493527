// Package store implements Data Sleigh's embedded, single-writer,
// append-only record store.
//
// The store holds two logical tables — observations (Source A) and device
// events (Source B) — each backed by its own chain of on-disk segments, each
// segment a pair of files (data.log/idx.log), following the same split-file
// layout as a conventional log-structured store: fixed-size index records
// pointing into a variable-length data log. A single directory-level
// exclusive lock enforces the single-writer invariant; a second process
// attempting to open the same store directory fails fast with
// ErrWriterBusy.
package store

import (
	"time"
)

// Table names the two base tables the store persists.
type Table string

const (
	TableObservations  Table = "observations"
	TableDeviceEvents  Table = "device_events"
)

// DeviceClass enumerates Source B device roles.
type DeviceClass string

const (
	DeviceClassAir   DeviceClass = "air-sensor"
	DeviceClassWater DeviceClass = "water-sensor"
)

// Observation is a single sensor reading from Source A.
//
// ID is assigned by the store on append and is strictly increasing within
// this table; it is zero until Append returns.
type Observation struct {
	ID        int64
	Timestamp time.Time // UTC, microsecond precision
	Topic     string
	Payload   string // untyped at persistence; numeric interpretation is deferred
	QoS       byte   // 0, 1, or 2
	Retained  bool
}

// DeviceEvent is a normalized reading from Source B.
//
// Temperature and Humidity are optional; HasTemperature/HasHumidity record
// whether the source event carried a value (Humidity is always absent for
// water-class devices). RawPayload retains the original event JSON for
// forensics regardless of how much of it was understood.
type DeviceEvent struct {
	ID             int64
	Timestamp      time.Time
	DeviceID       string
	DeviceClass    DeviceClass
	Temperature    float64
	HasTemperature bool
	Humidity       float64
	HasHumidity    bool
	Battery        int // 0-100
	Signal         int // dBm
	RawPayload     string
}

// Copy returns a deep value copy of the Observation. Observation has no
// reference fields, so Copy is a plain value copy provided for symmetry
// with DeviceEvent.Copy and to let callers express "detach from any
// shared buffer" explicitly at call sites.
func (o Observation) Copy() Observation { return o }

// Copy returns a deep value copy of the DeviceEvent.
func (e DeviceEvent) Copy() DeviceEvent { return e }
