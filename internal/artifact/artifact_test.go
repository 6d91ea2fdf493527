package artifact

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"testing"
	"time"

	"datasleigh/internal/analysis/segment"
	"datasleigh/internal/store"
)

func TestBuild_MeasurementsWindowedToMinutesOfData(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	obs := []store.Observation{
		{Timestamp: now.Add(-20 * time.Minute), Topic: "t", Payload: "1"}, // outside window
		{Timestamp: now.Add(-5 * time.Minute), Topic: "t", Payload: "2"},  // inside window
	}
	cfg := BuildConfig{MinutesOfData: 10, SegmentConfig: segment.Config{MinSeriesLength: 5, MinSegmentLength: 3, MinGoodness: 0.4}}

	doc := Build(obs, cfg, now)
	if len(doc.Measurements) != 1 || doc.Measurements[0].Payload != "2" {
		t.Fatalf("expected only the in-window measurement, got %+v", doc.Measurements)
	}
}

func TestBuild_SeasonPassthrough(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	season := Season{Start: now.AddDate(0, -1, 0), End: now.AddDate(0, 1, 0), IsActive: true}
	doc := Build(nil, BuildConfig{Season: season}, now)
	if !doc.Season.IsActive {
		t.Error("expected season.IsActive to pass through unchanged")
	}
}

func TestEncode_RoundTripsAsGzippedJSON(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := Build([]store.Observation{{Timestamp: now, Topic: "t", Payload: "5"}}, BuildConfig{MinutesOfData: 10}, now)

	encoded, err := Encode(doc)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	defer func() { _ = gr.Close() }()
	raw, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("reading gzip body: %v", err)
	}

	var decoded Document
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if !decoded.GeneratedAt.Equal(now) {
		t.Errorf("GeneratedAt = %v, want %v", decoded.GeneratedAt, now)
	}
}

