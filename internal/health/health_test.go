package health

import (
	"sync"
	"testing"
	"time"

	"datasleigh/internal/config"
)

type fakeMailer struct {
	mu    sync.Mutex
	sends int
	last  string
}

func (f *fakeMailer) Send(to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.last = subject
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func newMonitor(t *testing.T, mailer Mailer, now *time.Time) *Monitor {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		StoreDir:   dir,
		Thresholds: Thresholds{DBSizeMB: 1, FreeSpaceMB: 1000000, CooldownHours: 1},
		EmailTo:    "ops@example.com",
		Mailer:     mailer,
		Now:        func() time.Time { return *now },
	})
}

func TestNotifyStorageFull_SendsEmail(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mailer := &fakeMailer{}
	m := newMonitor(t, mailer, &now)

	m.NotifyStorageFull()

	if got := mailer.count(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
}

func TestNotify_CooldownSuppressesRepeat(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mailer := &fakeMailer{}
	m := newMonitor(t, mailer, &now)

	m.NotifyStorageFull()
	m.NotifyStorageFull()
	if got := mailer.count(); got != 1 {
		t.Fatalf("sends after repeat within cooldown = %d, want 1", got)
	}

	now = now.Add(2 * time.Hour)
	m.NotifyStorageFull()
	if got := mailer.count(); got != 2 {
		t.Fatalf("sends after cooldown elapsed = %d, want 2", got)
	}
}

func TestNotify_DistinctReasonsDoNotShareCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mailer := &fakeMailer{}
	m := newMonitor(t, mailer, &now)

	m.NotifyStorageFull()
	m.notify(reasonDBSize, "separate reason")

	if got := mailer.count(); got != 2 {
		t.Fatalf("sends for two distinct reasons = %d, want 2", got)
	}
}

func TestCheck_ZeroThresholdsAreDisabled(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mailer := &fakeMailer{}
	dir := t.TempDir()
	m := New(Config{
		StoreDir:   dir,
		Thresholds: Thresholds{DBSizeMB: 0, FreeSpaceMB: 0, CooldownHours: 1},
		EmailTo:    "ops@example.com",
		Mailer:     mailer,
		Now:        func() time.Time { return now },
	})

	m.Check()
	if got := mailer.count(); got != 0 {
		t.Fatalf("sends with zero-valued thresholds (disabled) = %d, want 0", got)
	}
}

func TestSample_FirstCallReportsZeroCPU(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newMonitor(t, &fakeMailer{}, &now)

	stats := m.Sample()
	if stats.CPUPercent != 0 {
		t.Errorf("CPUPercent on first sample = %v, want 0", stats.CPUPercent)
	}
}

func TestNotify_NoEmailWhenEmailToUnset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mailer := &fakeMailer{}
	dir := t.TempDir()
	m := New(Config{
		StoreDir:   dir,
		Thresholds: Thresholds{CooldownHours: 1},
		Mailer:     mailer,
		Now:        func() time.Time { return now },
	})

	m.NotifyStorageFull()
	if got := mailer.count(); got != 0 {
		t.Fatalf("sends with no EmailTo configured = %d, want 0", got)
	}
}

func TestNotifyStartup_SendsEmail(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mailer := &fakeMailer{}
	m := newMonitor(t, mailer, &now)

	cfg := &config.Config{
		Store:   config.Store{Path: "/data/sleigh.store"},
		SourceA: config.SourceA{Broker: "localhost", Port: 1883},
		SourceB: config.SourceB{StreamURL: "wss://stream.example.com/v1"},
		Season: config.Season{
			Start: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		},
		Publish: config.Publish{Bucket: "sleigh-artifacts", IntervalSeconds: 30},
		Alert:   config.Alert{DBSizeMB: 1000, FreeSpaceMB: 500, CooldownHours: 24},
	}

	m.NotifyStartup(cfg)

	if got := mailer.count(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	if mailer.last != "Data Sleigh starting" {
		t.Errorf("subject = %q, want %q", mailer.last, "Data Sleigh starting")
	}
}

func TestNotifyStartup_NoEmailWhenEmailToUnset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mailer := &fakeMailer{}
	dir := t.TempDir()
	m := New(Config{
		StoreDir: dir,
		Mailer:   mailer,
		Now:      func() time.Time { return now },
	})

	m.NotifyStartup(&config.Config{})
	if got := mailer.count(); got != 0 {
		t.Fatalf("sends with no EmailTo configured = %d, want 0", got)
	}
}
