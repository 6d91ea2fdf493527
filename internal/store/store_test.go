package store

import (
	"testing"
	"time"
)

func TestStore_AppendAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	now := time.Now().UTC()
	obs := []Observation{
		{Timestamp: now, Topic: "sensors/tank/level", Payload: "12.5", QoS: 1},
		{Timestamp: now.Add(time.Second), Topic: "sensors/tank/level", Payload: "12.4", QoS: 1},
	}
	if err := s.AppendObservations(obs); err != nil {
		t.Fatalf("AppendObservations() error = %v", err)
	}
	if obs[0].ID != 1 || obs[1].ID != 2 {
		t.Errorf("expected strictly increasing IDs 1,2; got %d,%d", obs[0].ID, obs[1].ID)
	}

	events := []DeviceEvent{
		{Timestamp: now, DeviceID: "air-1", DeviceClass: DeviceClassAir, Temperature: 68.2, HasTemperature: true, Humidity: 41, HasHumidity: true, Battery: 90, Signal: -60, RawPayload: `{"t":68.2}`},
	}
	if err := s.AppendDeviceEvents(events); err != nil {
		t.Fatalf("AppendDeviceEvents() error = %v", err)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	gotObs, err := snap.Observations()
	if err != nil {
		t.Fatalf("Observations() error = %v", err)
	}
	if len(gotObs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(gotObs))
	}
	if gotObs[0].Payload != "12.5" || gotObs[1].Payload != "12.4" {
		t.Errorf("unexpected observation payloads: %+v", gotObs)
	}

	gotEvents, err := snap.DeviceEvents()
	if err != nil {
		t.Fatalf("DeviceEvents() error = %v", err)
	}
	if len(gotEvents) != 1 || gotEvents[0].DeviceID != "air-1" {
		t.Fatalf("unexpected device events: %+v", gotEvents)
	}
}

func TestStore_WriterBusy(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := Open(Config{Dir: dir}); err == nil {
		t.Fatal("expected second Open() to fail with ErrWriterBusy")
	}
}

func TestStore_CloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestStore_AppendAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	err = s.AppendObservations([]Observation{{Timestamp: time.Now(), Topic: "x", Payload: "1"}})
	if err == nil {
		t.Fatal("expected AppendObservations after Close to fail")
	}
}

func TestStore_CheckpointRotatesSegment(t *testing.T) {
	dir := t.TempDir()
	// A tiny byte threshold forces rotation after the first record.
	s, err := Open(Config{Dir: dir, CheckpointBytes: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		obs := []Observation{{Timestamp: now.Add(time.Duration(i) * time.Second), Topic: "t", Payload: "1"}}
		if err := s.AppendObservations(obs); err != nil {
			t.Fatalf("AppendObservations() error = %v", err)
		}
	}

	if len(s.observations.sealed) == 0 {
		t.Error("expected at least one sealed segment after tiny checkpoint threshold")
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	gotObs, err := snap.Observations()
	if err != nil {
		t.Fatalf("Observations() error = %v", err)
	}
	if len(gotObs) != 3 {
		t.Fatalf("expected 3 observations across segments, got %d", len(gotObs))
	}
}

func TestStore_ReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.AppendObservations([]Observation{{Timestamp: now, Topic: "t", Payload: "1"}}); err != nil {
		t.Fatalf("AppendObservations() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer func() { _ = s2.Close() }()

	// A new record should continue the ID sequence, not restart it.
	obs := []Observation{{Timestamp: now.Add(time.Second), Topic: "t", Payload: "2"}}
	if err := s2.AppendObservations(obs); err != nil {
		t.Fatalf("AppendObservations() error = %v", err)
	}
	if obs[0].ID != 2 {
		t.Errorf("expected ID 2 after reopen, got %d", obs[0].ID)
	}

	snap, err := s2.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	gotObs, err := snap.Observations()
	if err != nil {
		t.Fatalf("Observations() error = %v", err)
	}
	if len(gotObs) != 2 {
		t.Fatalf("expected 2 observations after reopen, got %d", len(gotObs))
	}
}

func TestStore_Rotate(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	now := time.Now().UTC()
	if err := s.AppendObservations([]Observation{{Timestamp: now, Topic: "t", Payload: "1"}}); err != nil {
		t.Fatalf("AppendObservations() error = %v", err)
	}

	beforeSnap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if err := s.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	// Data from before rotation must still be readable from the prior snapshot.
	gotObs, err := beforeSnap.Observations()
	if err != nil {
		t.Fatalf("Observations() on pre-rotation snapshot error = %v", err)
	}
	if len(gotObs) != 1 {
		t.Fatalf("expected 1 observation in pre-rotation snapshot, got %d", len(gotObs))
	}

	// A fresh snapshot still sees the sealed pre-rotation record.
	afterSnap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	afterObs, err := afterSnap.Observations()
	if err != nil {
		t.Fatalf("Observations() after rotation error = %v", err)
	}
	if len(afterObs) != 1 {
		t.Fatalf("expected rotation to keep existing sealed data visible, got %d", len(afterObs))
	}
}
