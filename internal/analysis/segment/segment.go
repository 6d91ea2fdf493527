// Package segment implements the piecewise-linear regression that turns the
// 1-hour aggregate mean series into an ordered list of monotone consumption
// segments, plus a refill-time prediction from the current segment's slope.
//
// No example repo in the retrieval pack implements piecewise regression, so
// this module's numerical core (OLS slope/intercept/r-squared, recursive
// residual-based splitting) is original to this expansion. It deliberately
// stays allocation-light and dependency-free: there is no charted
// third-party regression library anywhere in the corpus to ground a
// substitution on, so the standard library math package is used directly.
package segment

import (
	"math"
	"time"
)

// Point is one sample of the 1-hour mean series.
type Point struct {
	Time  time.Time
	Value float64
}

// Segment is a piecewise-linear interval of the series.
type Segment struct {
	ID         int
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Slope      float64 // value units per hour; positive in the consumption direction
	RSquared   float64
	IsCurrent  bool
}

// Prediction projects the current segment's slope forward to the
// reservoir-empty reading.
type Prediction struct {
	Slope               float64
	PredictedRefillTime time.Time
}

// Config holds the tunables spec.md leaves to the implementer (Open
// Question, decided in DESIGN.md): goodness bound, minimum interval
// length, minimum series length, and the jump threshold that identifies a
// refill. None of these have a universal default across deployments, so
// Config has no zero-value fallback for JumpThreshold or EmptyThreshold —
// callers must set them from operator configuration.
type Config struct {
	// JumpThreshold is the minimum decrease (in raw payload units) between
	// consecutive points that counts as a refill event. Must be positive.
	JumpThreshold float64

	// MinGoodness is the minimum r-squared a candidate interval's OLS fit
	// must reach before it is accepted without further splitting.
	MinGoodness float64 // e.g. 0.4

	// MinSegmentLength is the minimum point count a sub-interval may have
	// and still be retained (shorter sub-intervals are discarded as noise).
	MinSegmentLength int // e.g. 3

	// MinSeriesLength is the minimum number of points the whole series must
	// have before segmentation is attempted at all.
	MinSeriesLength int // e.g. 5

	// EmptyThreshold is the reading (y_empty) that marks an empty reservoir,
	// used to compute Prediction.
	EmptyThreshold float64
}

// Compute sorts points ascending by time and returns the ordered segment
// list plus, if the latest segment is current and its slope is positive, a
// refill prediction.
func Compute(points []Point, cfg Config, now time.Time) ([]Segment, *Prediction) {
	pts := append([]Point(nil), points...)
	sortPoints(pts)

	if len(pts) < cfg.MinSeriesLength {
		return nil, nil
	}

	intervals := splitOnRefills(pts, cfg.JumpThreshold)

	var accepted [][]Point
	for _, interval := range intervals {
		accepted = append(accepted, recursiveSplit(interval, cfg)...)
	}
	if len(accepted) == 0 {
		return nil, nil
	}

	segments := make([]Segment, 0, len(accepted))
	for i, interval := range accepted {
		fit := ols(interval)
		segments = append(segments, Segment{
			ID:         i,
			StartTime:  interval[0].Time,
			EndTime:    interval[len(interval)-1].Time,
			StartValue: interval[0].Value,
			EndValue:   interval[len(interval)-1].Value,
			Slope:      fit.slope,
			RSquared:   fit.rSquared,
		})
	}

	markCurrent(segments, pts, cfg, now)

	var pred *Prediction
	for i := range segments {
		if !segments[i].IsCurrent {
			continue
		}
		if segments[i].Slope > 0 {
			pred = predict(segments[i], cfg.EmptyThreshold, now)
		}
	}
	return segments, pred
}

func sortPoints(pts []Point) {
	for i := 1; i < len(pts); i++ {
		for j := i; j > 0 && pts[j].Time.Before(pts[j-1].Time); j-- {
			pts[j], pts[j-1] = pts[j-1], pts[j]
		}
	}
}

// splitOnRefills partitions pts at every index i where a decrease from
// pts[i] to pts[i+1] exceeds threshold — the sensor moved closer to the
// water, i.e. a refill happened between the two samples.
func splitOnRefills(pts []Point, threshold float64) [][]Point {
	if threshold <= 0 {
		return [][]Point{pts}
	}
	var intervals [][]Point
	start := 0
	for i := 0; i < len(pts)-1; i++ {
		if pts[i].Value-pts[i+1].Value > threshold {
			intervals = append(intervals, pts[start:i+1])
			start = i + 1
		}
	}
	intervals = append(intervals, pts[start:])
	return intervals
}

// recursiveSplit accepts an interval whose OLS fit meets cfg.MinGoodness,
// otherwise splits at the point of largest residual and recurses on both
// halves, discarding any resulting sub-interval below cfg.MinSegmentLength.
func recursiveSplit(interval []Point, cfg Config) [][]Point {
	if len(interval) < cfg.MinSegmentLength {
		return nil
	}
	fit := ols(interval)
	if fit.rSquared >= cfg.MinGoodness || len(interval) <= cfg.MinSegmentLength {
		return [][]Point{interval}
	}

	splitAt := worstResidualIndex(interval, fit)
	if splitAt <= 0 || splitAt >= len(interval)-1 {
		// No interior split point improves the fit; accept as-is rather
		// than looping forever on a boundary index.
		return [][]Point{interval}
	}

	left := recursiveSplit(interval[:splitAt+1], cfg)
	right := recursiveSplit(interval[splitAt+1:], cfg)
	return append(left, right...)
}

type olsFit struct {
	slope     float64
	intercept float64
	rSquared  float64
}

// ols fits value = intercept + slope*elapsedHours, elapsed hours measured
// from interval[0].Time.
func ols(interval []Point) olsFit {
	n := float64(len(interval))
	if n < 2 {
		return olsFit{}
	}
	t0 := interval[0].Time

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range interval {
		x := p.Time.Sub(t0).Hours()
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	meanX := sumX / n
	meanY := sumY / n

	denom := sumXX - n*meanX*meanX
	var slope float64
	if denom != 0 {
		slope = (sumXY - n*meanX*meanY) / denom
	}
	intercept := meanY - slope*meanX

	var ssTot, ssRes float64
	for _, p := range interval {
		x := p.Time.Sub(t0).Hours()
		predicted := intercept + slope*x
		ssRes += (p.Value - predicted) * (p.Value - predicted)
		ssTot += (p.Value - meanY) * (p.Value - meanY)
	}
	rSquared := 1.0
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}
	return olsFit{slope: slope, intercept: intercept, rSquared: rSquared}
}

func worstResidualIndex(interval []Point, fit olsFit) int {
	t0 := interval[0].Time
	worst := -1
	worstAbs := -math.MaxFloat64
	for i, p := range interval {
		elapsed := p.Time.Sub(t0).Hours()
		predicted := fit.intercept + fit.slope*elapsed
		residual := math.Abs(p.Value - predicted)
		if residual > worstAbs {
			worstAbs = residual
			worst = i
		}
	}
	return worst
}

// markCurrent flags the segment covering the tail of the series as current,
// unless a refill event fell closer to now than cfg.MinSegmentLength hours'
// worth of points would imply, per spec.md's tie-break: "a refill event
// closer to now than the minimum segment length suppresses is_current."
func markCurrent(segments []Segment, all []Point, cfg Config, now time.Time) {
	if len(segments) == 0 {
		return
	}
	last := len(segments) - 1
	lastSeg := segments[last]

	if lastSeg.EndTime.Before(all[len(all)-1].Time) {
		// The final accepted segment does not reach the end of the series
		// (it was discarded as noise) — nothing is current.
		return
	}

	pointsSinceEnd := 0
	for _, p := range all {
		if p.Time.After(lastSeg.EndTime) {
			pointsSinceEnd++
		}
	}
	if pointsSinceEnd > 0 && pointsSinceEnd < cfg.MinSegmentLength {
		return
	}
	segments[last].IsCurrent = true
}

func predict(seg Segment, emptyThreshold float64, now time.Time) *Prediction {
	if seg.Slope <= 0 {
		return nil
	}
	remaining := emptyThreshold - seg.EndValue
	hours := remaining / seg.Slope
	refillTime := seg.EndTime.Add(time.Duration(hours * float64(time.Hour)))
	if refillTime.Before(now) {
		refillTime = now
	}
	return &Prediction{Slope: seg.Slope, PredictedRefillTime: refillTime}
}
