package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"datasleigh/internal/ingest"
	"datasleigh/internal/logging"
	"datasleigh/internal/subscriber"
)

type flakySubscriber struct {
	runs atomic.Int32
}

func (f *flakySubscriber) Run(ctx context.Context, out chan<- ingest.Message) error {
	f.runs.Add(1)
	return errors.New("boom")
}

func (f *flakySubscriber) State() subscriber.State { return subscriber.Failed }

func TestRunSubscriberWithRestart_StopsAfterBudgetExceeded(t *testing.T) {
	sup := &Supervisor{logger: logging.Discard(), restartDelay: time.Millisecond}
	sub := &flakySubscriber{}
	out := make(chan ingest.Message, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.runSubscriberWithRestart(context.Background(), "test", sub, out)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected a non-nil error once the restart budget is exceeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runSubscriberWithRestart did not return after exceeding restart budget")
	}

	if got := sub.runs.Load(); got != maxRestartsPerHour+1 {
		t.Errorf("runs = %d, want %d", got, maxRestartsPerHour+1)
	}
}

type obedientSubscriber struct {
	runs atomic.Int32
}

func (o *obedientSubscriber) Run(ctx context.Context, out chan<- ingest.Message) error {
	o.runs.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (o *obedientSubscriber) State() subscriber.State { return subscriber.Subscribed }

func TestRunSubscriberWithRestart_StopsOnContextCancel(t *testing.T) {
	sup := &Supervisor{logger: logging.Discard(), restartDelay: time.Millisecond}
	sub := &obedientSubscriber{}
	out := make(chan ingest.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = sup.runSubscriberWithRestart(ctx, "test", sub, out)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runSubscriberWithRestart did not exit on context cancel")
	}

	if got := sub.runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 (no restart once ctx.Done fires)", got)
	}
}
