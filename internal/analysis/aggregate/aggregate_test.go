package aggregate

import (
	"math"
	"testing"
	"time"

	"datasleigh/internal/store"
)

func obsAt(ts time.Time, payload string) store.Observation {
	return store.Observation{Timestamp: ts, Topic: "t", Payload: payload}
}

func TestBuckets_BasicStats(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []store.Observation{
		obsAt(base, "10"),
		obsAt(base.Add(10*time.Second), "20"),
		obsAt(base.Add(20*time.Second), "30"),
	}
	now := base.Add(30 * time.Second)

	buckets, diag := Buckets(obs, Resolution1Minute, now)
	if diag.ParseFailures != 0 {
		t.Fatalf("unexpected parse failures: %d", diag.ParseFailures)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	b := buckets[0]
	if b.Count != 3 || b.Min != 10 || b.Max != 30 || b.Mean != 20 {
		t.Errorf("unexpected bucket stats: %+v", b)
	}
	wantStddev := 10.0 // sample stddev of {10,20,30}
	if math.Abs(b.Stddev-wantStddev) > 1e-9 {
		t.Errorf("Stddev = %v, want %v", b.Stddev, wantStddev)
	}
}

func TestBuckets_ParseFailuresExcludedButCounted(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []store.Observation{
		obsAt(base, "10"),
		obsAt(base.Add(time.Second), "not-a-number"),
	}
	buckets, diag := Buckets(obs, Resolution1Minute, base.Add(time.Minute))
	if diag.ParseFailures != 1 {
		t.Errorf("ParseFailures = %d, want 1", diag.ParseFailures)
	}
	if len(buckets) != 1 || buckets[0].Count != 1 {
		t.Errorf("expected one bucket with one valid sample, got %+v", buckets)
	}
}

func TestBuckets_EmptyBucketsOmitted(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []store.Observation{obsAt(base, "1")}
	now := base.Add(3 * time.Minute)

	buckets, _ := Buckets(obs, Resolution1Minute, now)
	if len(buckets) != 1 {
		t.Fatalf("expected zero-count minutes to be omitted, got %d buckets", len(buckets))
	}
}

func TestBuckets_HourAlignedToEpochUTC(t *testing.T) {
	ts := time.Date(2026, 3, 15, 13, 45, 0, 0, time.UTC)
	obs := []store.Observation{obsAt(ts, "5")}
	buckets, _ := Buckets(obs, Resolution1Hour, ts)
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	want := time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)
	if !buckets[0].Start.Equal(want) {
		t.Errorf("bucket Start = %v, want %v", buckets[0].Start, want)
	}
}

func TestBuckets_FiveMinuteHorizonIsTwentyFourHours(t *testing.T) {
	if Horizon(Resolution5Minute) != 24*time.Hour {
		t.Errorf("Horizon(5m) = %v, want 24h", Horizon(Resolution5Minute))
	}
}

func TestBuckets_NoObservations(t *testing.T) {
	buckets, diag := Buckets(nil, Resolution1Minute, time.Now())
	if buckets != nil || diag.ParseFailures != 0 {
		t.Errorf("expected empty result for no observations, got %+v / %+v", buckets, diag)
	}
}
