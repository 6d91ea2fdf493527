// Package artifact builds and compresses the live artifact document
// pushed to the object store by the Publisher.
package artifact

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"time"

	"datasleigh/internal/analysis/aggregate"
	"datasleigh/internal/analysis/segment"
	"datasleigh/internal/store"
)

// Season is the artifact's season metadata block.
type Season struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	IsActive bool      `json:"is_active"`
}

// Measurement is one raw reading in the last-N-minutes window.
type Measurement struct {
	Time    time.Time `json:"time"`
	Topic   string    `json:"topic"`
	Payload string    `json:"payload"`
}

// BucketDoc is a bucket's compact on-wire representation: keys t, m, min,
// max, c, matching spec.md §6's named field set exactly (mean abbreviated
// as "m" to keep the artifact small — it is fetched by a public,
// unauthenticated web frontend on every page load).
type BucketDoc struct {
	T   time.Time `json:"t"`
	M   float64   `json:"m"`
	Min float64   `json:"min"`
	Max float64   `json:"max"`
	C   int       `json:"c"`
}

// AggregateDoc wraps one resolution's bucket series.
type AggregateDoc struct {
	Data []BucketDoc `json:"data"`
}

// SegmentDoc is one segment's wire representation.
type SegmentDoc struct {
	ID         int       `json:"id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartValue float64   `json:"start_value"`
	EndValue   float64   `json:"end_value"`
	Slope      float64   `json:"slope"`
	RSquared   float64   `json:"r_squared"`
	IsCurrent  bool      `json:"is_current"`
}

// PredictionDoc is the current-segment prediction, present only when one
// exists.
type PredictionDoc struct {
	Slope               float64   `json:"slope"`
	PredictedRefillTime time.Time `json:"predicted_refill_time"`
}

// AnalysisDoc bundles segments and the current prediction.
type AnalysisDoc struct {
	Segments          []SegmentDoc    `json:"segments"`
	CurrentPrediction *PredictionDoc  `json:"current_prediction,omitempty"`
}

// Document is the root artifact object.
type Document struct {
	GeneratedAt        time.Time     `json:"generated_at"`
	Season             Season        `json:"season"`
	ReplayDelaySeconds int           `json:"replay_delay_seconds"`
	MinutesOfData      int           `json:"minutes_of_data"`
	Measurements       []Measurement `json:"measurements"`
	Agg1m              AggregateDoc  `json:"agg_1m"`
	Agg5m              AggregateDoc  `json:"agg_5m"`
	Agg1h              AggregateDoc  `json:"agg_1h"`
	Analysis           AnalysisDoc   `json:"analysis"`
}

// BuildConfig parameterizes Build with the operator settings that shape the
// artifact but are not derived from the data itself.
type BuildConfig struct {
	Season             Season
	ReplayDelaySeconds int
	MinutesOfData      int
	SegmentConfig      segment.Config
}

// Build composes the live artifact document from a store snapshot's
// observations at the given instant. now is threaded through explicitly
// (rather than read from time.Now inside Build) so the artifact's
// timestamps and bucket boundaries are reproducible in tests.
func Build(obs []store.Observation, cfg BuildConfig, now time.Time) Document {
	measurements := recentMeasurements(obs, cfg.MinutesOfData, now)

	agg1m, _ := aggregate.Buckets(obs, aggregate.Resolution1Minute, now)
	agg5m, _ := aggregate.Buckets(obs, aggregate.Resolution5Minute, now)
	agg1h, _ := aggregate.Buckets(obs, aggregate.Resolution1Hour, now)

	points := make([]segment.Point, len(agg1h))
	for i, b := range agg1h {
		points[i] = segment.Point{Time: b.Start, Value: b.Mean}
	}
	segs, pred := segment.Compute(points, cfg.SegmentConfig, now)

	doc := Document{
		GeneratedAt:        now,
		Season:             cfg.Season,
		ReplayDelaySeconds: cfg.ReplayDelaySeconds,
		MinutesOfData:      cfg.MinutesOfData,
		Measurements:       measurements,
		Agg1m:              AggregateDoc{Data: toBucketDocs(agg1m)},
		Agg5m:              AggregateDoc{Data: toBucketDocs(agg5m)},
		Agg1h:              AggregateDoc{Data: toBucketDocs(agg1h)},
		Analysis:           AnalysisDoc{Segments: toSegmentDocs(segs)},
	}
	if pred != nil {
		doc.Analysis.CurrentPrediction = &PredictionDoc{
			Slope:               pred.Slope,
			PredictedRefillTime: pred.PredictedRefillTime,
		}
	}
	return doc
}

func recentMeasurements(obs []store.Observation, minutes int, now time.Time) []Measurement {
	cutoff := now.Add(-time.Duration(minutes) * time.Minute)
	var out []Measurement
	for _, o := range obs {
		if o.Timestamp.Before(cutoff) || o.Timestamp.After(now) {
			continue
		}
		out = append(out, Measurement{Time: o.Timestamp, Topic: o.Topic, Payload: o.Payload})
	}
	return out
}

func toBucketDocs(buckets []aggregate.Bucket) []BucketDoc {
	out := make([]BucketDoc, len(buckets))
	for i, b := range buckets {
		out[i] = BucketDoc{T: b.Start, M: b.Mean, Min: b.Min, Max: b.Max, C: b.Count}
	}
	return out
}

func toSegmentDocs(segs []segment.Segment) []SegmentDoc {
	out := make([]SegmentDoc, len(segs))
	for i, s := range segs {
		out[i] = SegmentDoc{
			ID:         s.ID,
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
			StartValue: s.StartValue,
			EndValue:   s.EndValue,
			Slope:      s.Slope,
			RSquared:   s.RSquared,
			IsCurrent:  s.IsCurrent,
		}
	}
	return out
}

// Encode marshals doc to JSON and gzip-compresses it, matching spec.md §6's
// "gzip-compressed JSON" live-artifact wire format exactly (the monthly
// backup blob uses zstd instead; see internal/publish).
func Encode(doc Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		_ = gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
