package segment

import (
	"math"
	"testing"
	"time"
)

func cfg() Config {
	return Config{
		JumpThreshold:    5,
		MinGoodness:      0.4,
		MinSegmentLength: 3,
		MinSeriesLength:  5,
		EmptyThreshold:   50,
	}
}

func linearSeries(start time.Time, n int, startValue, slopePerHour float64) []Point {
	pts := make([]Point, n)
	for i := 0; i < n; i++ {
		pts[i] = Point{
			Time:  start.Add(time.Duration(i) * time.Hour),
			Value: startValue + slopePerHour*float64(i),
		}
	}
	return pts
}

func TestCompute_TooShortSeriesYieldsNoSegments(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := linearSeries(start, 3, 10, 0.5)
	segs, pred := Compute(pts, cfg(), start.Add(2*time.Hour))
	if segs != nil || pred != nil {
		t.Fatalf("expected no segments for a series shorter than MinSeriesLength, got %+v / %+v", segs, pred)
	}
}

func TestCompute_SingleCleanSegmentIsCurrentWithPrediction(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Exactly linear, slope 0.5/hr, 10 points: 10,10.5,...,14.5
	pts := linearSeries(start, 10, 10, 0.5)
	now := pts[len(pts)-1].Time

	segs, pred := Compute(pts, cfg(), now)
	if len(segs) != 1 {
		t.Fatalf("expected exactly one segment, got %d: %+v", len(segs), segs)
	}
	seg := segs[0]
	if !seg.IsCurrent {
		t.Error("expected the only segment to be marked current")
	}
	if math.Abs(seg.Slope-0.5) > 1e-6 {
		t.Errorf("Slope = %v, want ~0.5", seg.Slope)
	}
	if seg.RSquared < 0.99 {
		t.Errorf("RSquared = %v, want ~1.0 for a perfectly linear series", seg.RSquared)
	}
	if pred == nil {
		t.Fatal("expected a prediction for a positive-slope current segment")
	}
}

func TestCompute_PredictionScenario(t *testing.T) {
	// Current segment: slope 0.5/hr, last value 20, empty threshold 50.
	// Expected predicted refill time = now + 60h, within 1 minute.
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := linearSeries(start, 10, 15.5, 0.5) // ends at 15.5+0.5*9=20
	now := pts[len(pts)-1].Time

	c := cfg()
	c.EmptyThreshold = 50
	segs, pred := Compute(pts, c, now)
	if len(segs) != 1 || pred == nil {
		t.Fatalf("expected one current segment with a prediction, got %+v / %+v", segs, pred)
	}

	want := now.Add(60 * time.Hour)
	diff := pred.PredictedRefillTime.Sub(want)
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("PredictedRefillTime = %v, want %v ± 1min", pred.PredictedRefillTime, want)
	}
}

func TestCompute_RefillEventSplitsSeries(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := linearSeries(start, 6, 20, 0.5) // rises to 22.5
	after := linearSeries(before[len(before)-1].Time.Add(time.Hour), 6, 5, 0.5)
	pts := append(before, after...)
	now := pts[len(pts)-1].Time

	segs, _ := Compute(pts, cfg(), now)
	if len(segs) < 2 {
		t.Fatalf("expected the refill (22.5 -> 5) to split the series into at least 2 segments, got %d", len(segs))
	}
	if segs[0].ID != 0 || segs[len(segs)-1].ID != len(segs)-1 {
		t.Error("expected segment ids assigned in time order starting at 0")
	}
}

func TestCompute_NegativeSlopeCurrentSegmentHasNoPrediction(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := linearSeries(start, 10, 30, -0.2)
	now := pts[len(pts)-1].Time

	_, pred := Compute(pts, cfg(), now)
	if pred != nil {
		t.Errorf("expected no prediction for a non-positive (replenishing) slope, got %+v", pred)
	}
}
