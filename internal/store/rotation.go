package store

import "time"

// checkpointState is an immutable snapshot of the active segment's state at
// append time, used to decide whether to seal-and-rotate. It carries no
// file handles or locks so policies stay pure functions.
type checkpointState struct {
	SegmentID   SegmentID
	CreatedAt   time.Time
	Bytes       int64
	RecordCount int64
}

// RotationPolicy decides whether the active segment should be sealed and a
// fresh one opened, given its current state. Policies are pure: no IO, no
// locks, no mutation.
type RotationPolicy interface {
	ShouldRotate(state checkpointState) bool
}

// SizePolicy triggers a checkpoint once the active segment's on-disk bytes
// would exceed maxBytes. This is the coarse, write-amplification-minimizing
// checkpoint spec.md calls for (default ~1 GiB).
type SizePolicy struct {
	maxBytes int64
}

func NewSizePolicy(maxBytes int64) SizePolicy { return SizePolicy{maxBytes: maxBytes} }

func (p SizePolicy) ShouldRotate(state checkpointState) bool {
	if p.maxBytes <= 0 {
		return false
	}
	return state.Bytes > p.maxBytes
}

// AgePolicy triggers a checkpoint once the active segment has been open
// longer than maxAge.
type AgePolicy struct {
	maxAge time.Duration
	now    func() time.Time
}

func NewAgePolicy(maxAge time.Duration, now func() time.Time) AgePolicy {
	if now == nil {
		now = time.Now
	}
	return AgePolicy{maxAge: maxAge, now: now}
}

func (p AgePolicy) ShouldRotate(state checkpointState) bool {
	if p.maxAge <= 0 || state.CreatedAt.IsZero() {
		return false
	}
	return p.now().Sub(state.CreatedAt) > p.maxAge
}

// CompositePolicy triggers a checkpoint if any sub-policy would.
type CompositePolicy struct {
	policies []RotationPolicy
}

func NewCompositePolicy(policies ...RotationPolicy) CompositePolicy {
	return CompositePolicy{policies: policies}
}

func (c CompositePolicy) ShouldRotate(state checkpointState) bool {
	for _, p := range c.policies {
		if p.ShouldRotate(state) {
			return true
		}
	}
	return false
}
