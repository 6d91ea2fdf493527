package publish

import (
	"context"
	"fmt"
	"testing"
	"time"

	"datasleigh/internal/logging"
)

type fakeSeason struct {
	start, end time.Time
	active     bool
}

func (f fakeSeason) Season(now time.Time) (time.Time, time.Time, bool) {
	return f.start, f.end, f.active
}

// newTestPublisher builds a Publisher without calling New, so no AWS config
// loading or network access is attempted. This is sufficient to exercise
// the season-gating logic in onLiveTick/onBackupTick, which must never
// touch p.s3Client when the season state rules the action out.
func newTestPublisher(active bool) *Publisher {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return &Publisher{
		cfg: Config{
			Season: fakeSeason{start: now.AddDate(0, -1, 0), end: now.AddDate(0, 1, 0), active: active},
			Now:    func() time.Time { return now },
		},
		logger: logging.Discard(),
	}
}

func TestOnLiveTick_NoopWhenSeasonInactive(t *testing.T) {
	p := newTestPublisher(false)
	// s3Client is nil; if onLiveTick attempted to push, this would panic.
	p.onLiveTick(context.Background())
}

func TestOnBackupTick_NoopWhenSeasonActive(t *testing.T) {
	p := newTestPublisher(true)
	// s3Client is nil; if onBackupTick attempted to push, this would panic.
	p.onBackupTick(context.Background())
}

func TestRecordLiveFailure_FatalWhenBudgetReached(t *testing.T) {
	p := &Publisher{
		cfg:     Config{MaxConsecutivePublishFailures: 3},
		logger:  logging.Discard(),
		fatalCh: make(chan error, 1),
	}

	p.recordLiveFailure(errTest)
	p.recordLiveFailure(errTest)
	select {
	case err := <-p.fatalCh:
		t.Fatalf("fatal error delivered early: %v", err)
	default:
	}

	p.recordLiveFailure(errTest)
	select {
	case err := <-p.fatalCh:
		if err == nil {
			t.Error("expected a non-nil fatal error once the budget is reached")
		}
	default:
		t.Fatal("expected a fatal error once the consecutive-failure budget is reached")
	}
}

func TestRecordLiveFailure_ResetByResetLiveFailures(t *testing.T) {
	p := &Publisher{
		cfg:     Config{MaxConsecutivePublishFailures: 2},
		logger:  logging.Discard(),
		fatalCh: make(chan error, 1),
	}

	p.recordLiveFailure(errTest)
	p.resetLiveFailures()
	p.recordLiveFailure(errTest)

	select {
	case err := <-p.fatalCh:
		t.Fatalf("fatal error delivered after counter was reset: %v", err)
	default:
	}
}

var errTest = fmt.Errorf("test failure")
