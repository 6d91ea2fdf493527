// Package subscriber defines the shared shape both ingestion sources
// implement, mirrored on the teacher's orchestrator.Ingester: a long-running
// task that emits messages onto an output channel and otherwise has no
// synchronous surface.
package subscriber

import (
	"context"

	"datasleigh/internal/ingest"
)

// State is a point in the subscriber connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating // Source B only; Source A skips straight to Subscribed
	Subscribed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Subscribed:
		return "subscribed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscriber is a source of ingest messages. Implementations must respect
// context cancellation and exit promptly. A Subscriber's sole observable
// effect is enqueueing onto out; it exposes no synchronous operations.
type Subscriber interface {
	// Run connects, subscribes, and forwards messages to out until ctx is
	// cancelled or an unrecoverable error occurs. Run owns its own
	// reconnect-with-backoff loop internally and only returns when ctx is
	// done (or a genuinely unrecoverable configuration error is hit).
	Run(ctx context.Context, out chan<- ingest.Message) error

	// State reports the subscriber's current connection state.
	State() State
}
