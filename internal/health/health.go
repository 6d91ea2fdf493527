// Package health extends the teacher's sysmetrics process-resource tracking
// with store-file-size and free-space checks, and rate-limited email
// notification on threshold breach.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"datasleigh/internal/config"
	"datasleigh/internal/logging"
)

// Thresholds are the operator-configured alert limits (config.Alert).
type Thresholds struct {
	DBSizeMB      int64
	FreeSpaceMB   int64
	CooldownHours int
}

// Mailer sends the alert email. Satisfied by smtpMailer (net/smtp); a fake
// is substituted in tests to avoid a live SMTP dependency.
type Mailer interface {
	Send(to, subject, body string) error
}

// Config configures Monitor.
type Config struct {
	StoreDir   string
	Thresholds Thresholds
	EmailTo    string
	Mailer     Mailer
	Now        func() time.Time
	Logger     *slog.Logger
}

// reason names the kind of threshold breach, used as the cooldown key so
// each kind rate-limits independently.
type reason string

const (
	reasonDBSize      reason = "db_size"
	reasonFreeSpace   reason = "free_space"
	reasonStorageFull reason = "storage_full"
)

// Monitor tracks store-file size, filesystem free space, and process
// CPU/memory, notifying by email on threshold breach with a per-reason
// cooldown gate — the teacher's notify.Signal broadcast primitive
// repurposed here as a last-fired map instead of a fan-out channel, since
// Health Monitor has exactly one consumer (the SMTP gateway) rather than
// many waiters.
type Monitor struct {
	dir        string
	thresholds Thresholds
	emailTo    string
	mailer     Mailer
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	lastSent map[reason]time.Time

	cpuMu      sync.Mutex
	sampled    bool
	lastSample time.Time
	lastUtime  time.Duration
	lastStime  time.Duration
}

// ProcessStats is a point-in-time snapshot of process and store resource
// usage, logged alongside threshold checks for operational visibility.
type ProcessStats struct {
	CPUPercent   float64
	HeapInUseMB  float64
	StackInUseMB float64
	StoreSizeMB  int64
	FreeSpaceMB  int64
}

// New returns a ready-to-use Monitor.
func New(cfg Config) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Mailer == nil {
		cfg.Mailer = noopMailer{}
	}
	return &Monitor{
		dir:        cfg.StoreDir,
		thresholds: cfg.Thresholds,
		emailTo:    cfg.EmailTo,
		mailer:     cfg.Mailer,
		now:        cfg.Now,
		logger:     logging.Default(cfg.Logger).With("component", "health"),
		lastSent:   make(map[reason]time.Time),
		lastSample: cfg.Now(),
	}
}

// Sample reports current process CPU/memory and store disk usage, grounded
// on the teacher's sysmetrics package: CPU% is derived from the delta in
// accumulated user+system CPU time (via syscall.Getrusage) over the wall
// time elapsed since the previous Sample call, and memory from
// runtime.ReadMemStats. The very first call after New has nothing to diff
// against, so it reports 0% CPU.
func (m *Monitor) Sample() ProcessStats {
	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)
	utime := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	stime := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond

	now := m.now()

	m.cpuMu.Lock()
	elapsed := now.Sub(m.lastSample)
	var cpuPct float64
	if m.sampled && elapsed > 0 {
		cpuDelta := (utime - m.lastUtime) + (stime - m.lastStime)
		cpuPct = 100 * float64(cpuDelta) / float64(elapsed)
	}
	m.lastSample, m.lastUtime, m.lastStime = now, utime, stime
	m.sampled = true
	m.cpuMu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	freeMB, sizeMB := m.diskUsage()

	return ProcessStats{
		CPUPercent:   cpuPct,
		HeapInUseMB:  float64(mem.HeapInuse) / (1 << 20),
		StackInUseMB: float64(mem.StackInuse) / (1 << 20),
		StoreSizeMB:  sizeMB,
		FreeSpaceMB:  freeMB,
	}
}

func (m *Monitor) diskUsage() (freeMB, sizeMB int64) {
	var statfs unix.Statfs_t
	if err := unix.Statfs(m.dir, &statfs); err == nil {
		freeMB = (int64(statfs.Bavail) * int64(statfs.Bsize)) / (1 << 20) //nolint:gosec
	}
	sizeMB = dirSizeMB(m.dir)
	return freeMB, sizeMB
}

// dirSizeMB sums regular file sizes under dir. Errors walking individual
// entries are ignored; a partial total is preferable to no reading at all
// for a monitor whose job is to warn, not to guarantee precision.
func dirSizeMB(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total / (1 << 20)
}

// Check measures store size and free space against configured thresholds
// and fires (cooldown-gated) notifications for any breach. Run calls it on
// every tick. NotifyStorageFull does not go through Check; it sends its own
// notification directly.
func (m *Monitor) Check() {
	freeMB, sizeMB := m.diskUsage()

	if m.thresholds.DBSizeMB > 0 && sizeMB >= m.thresholds.DBSizeMB {
		m.notify(reasonDBSize, fmt.Sprintf("store size %d MB exceeds threshold %d MB", sizeMB, m.thresholds.DBSizeMB))
	}
	if m.thresholds.FreeSpaceMB > 0 && freeMB <= m.thresholds.FreeSpaceMB {
		m.notify(reasonFreeSpace, fmt.Sprintf("free space %d MB below threshold %d MB", freeMB, m.thresholds.FreeSpaceMB))
	}
}

// Run polls Check and Sample on interval until ctx is cancelled, logging a
// debug-level resource snapshot each tick alongside the threshold check.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := m.Sample()
			m.logger.Debug("resource snapshot",
				"cpu_percent", stats.CPUPercent,
				"heap_inuse_mb", stats.HeapInUseMB,
				"store_size_mb", stats.StoreSizeMB,
				"free_space_mb", stats.FreeSpaceMB,
			)
			m.Check()
		}
	}
}

// NotifyStorageFull is called by the ingest buffer the instant it enters
// shed mode. This reason is not subject to the size/space poll cadence —
// it fires immediately, still through the same cooldown gate so a storm of
// rejected flushes only sends one email per cooldown window.
func (m *Monitor) NotifyStorageFull() {
	m.notify(reasonStorageFull, "ingest buffer entered shed mode: store reported StorageFull")
}

// NotifyStartup emails a one-shot summary of the effective configuration.
// Unlike notify, it bypasses the cooldown gate: it is called exactly once
// per process, by the supervisor at startup, so there is nothing to
// rate-limit against.
func (m *Monitor) NotifyStartup(cfg *config.Config) {
	body := fmt.Sprintf(
		"Data Sleigh starting.\n\n"+
			"store.path=%s\n"+
			"source_a.broker=%s:%d\n"+
			"source_b.stream_url=%s\n"+
			"season=%s..%s\n"+
			"publish.bucket=%s\n"+
			"publish.interval_seconds=%d\n"+
			"alert.db_size_mb=%d\n"+
			"alert.free_space_mb=%d\n"+
			"alert.cooldown_hours=%d\n",
		cfg.Store.Path,
		cfg.SourceA.Broker, cfg.SourceA.Port,
		cfg.SourceB.StreamURL,
		cfg.Season.Start.Format("2006-01-02"), cfg.Season.End.Format("2006-01-02"),
		cfg.Publish.Bucket,
		cfg.Publish.IntervalSeconds,
		cfg.Alert.DBSizeMB, cfg.Alert.FreeSpaceMB, cfg.Alert.CooldownHours,
	)

	m.logger.Info("startup notification", "store_path", cfg.Store.Path)
	if m.emailTo == "" {
		return
	}
	if err := m.mailer.Send(m.emailTo, "Data Sleigh starting", body); err != nil {
		m.logger.Error("failed to send startup notification email", "error", err)
	}
}

func (m *Monitor) notify(r reason, detail string) {
	m.mu.Lock()
	last, seen := m.lastSent[r]
	cooldown := time.Duration(m.thresholds.CooldownHours) * time.Hour
	now := m.now()
	if seen && now.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastSent[r] = now
	m.mu.Unlock()

	m.logger.Warn("health threshold breach", "reason", r, "detail", detail)
	if m.emailTo == "" {
		return
	}
	subject := fmt.Sprintf("Data Sleigh alert: %s", r)
	if err := m.mailer.Send(m.emailTo, subject, detail); err != nil {
		m.logger.Error("failed to send health alert email", "reason", r, "error", err)
	}
}

type noopMailer struct{}

func (noopMailer) Send(string, string, string) error { return nil }

// SMTPMailer sends alert emails via net/smtp. No third-party SMTP client
// appears anywhere in the retrieval pack, so this is a justified stdlib
// use (see DESIGN.md).
type SMTPMailer struct {
	Addr string
	From string
}

func (s SMTPMailer) Send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", s.From, to, subject, body)
	return smtp.SendMail(s.Addr, nil, s.From, []string{to}, []byte(msg))
}
