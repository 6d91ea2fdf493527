// Package ingest buffers records from both subscribers ahead of the store's
// single writer handle. It is the only component that calls
// store.AppendObservations/AppendDeviceEvents, mirroring the teacher's
// orchestrator design where ingestion is serialized through one owner to
// support seal detection.
package ingest

import "datasleigh/internal/store"

// Message is what a subscriber enqueues. Exactly one of Observation or
// DeviceEvent is populated, selected by Table.
type Message struct {
	Table       store.Table
	Observation store.Observation
	DeviceEvent store.DeviceEvent
}

// NewObservation wraps an Observation as a Message for Source A subscribers.
func NewObservation(o store.Observation) Message {
	return Message{Table: store.TableObservations, Observation: o}
}

// NewDeviceEvent wraps a DeviceEvent as a Message for Source B subscribers.
func NewDeviceEvent(e store.DeviceEvent) Message {
	return Message{Table: store.TableDeviceEvents, DeviceEvent: e}
}
