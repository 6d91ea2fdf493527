// Package publish implements the mode-aware publish loop: an in-season
// fixed-cadence push of the live artifact, and an off-season once-a-month
// cold backup of the accumulated store.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-co-op/gocron/v2"
	"github.com/klauspost/compress/zstd"

	"datasleigh/internal/analysis/segment"
	"datasleigh/internal/artifact"
	"datasleigh/internal/logging"
	"datasleigh/internal/store"
)

// Snapshotter is the read side of the store the Publisher needs.
type Snapshotter interface {
	Snapshot() (*store.Snapshot, error)
}

// Rotator is the store's checkpoint-rotation capability, called once a
// monthly backup has been durably written.
type Rotator interface {
	Rotate() error
}

// SeasonProvider reports the current season window, letting the Publisher
// decide at each tick whether it is in-season or off-season without taking
// a dependency on internal/config directly.
type SeasonProvider interface {
	Season(now time.Time) (start, end time.Time, active bool)
}

// Config configures Publisher.
type Config struct {
	Store  Snapshotter
	Rotate Rotator
	Season SeasonProvider

	Bucket        string
	Key           string // live artifact object key
	BackupPrefix  string
	AWSAccessKey  string
	AWSSecretKey  string
	AWSRegion     string

	IntervalSeconds    int
	MinutesOfData      int
	ReplayDelaySeconds int
	SegmentConfig      segment.Config

	BackupDayOfMonth int
	BackupHour       int

	// MaxConsecutivePublishFailures bounds how many in-season live pushes
	// may fail back to back before the publisher gives up and stops the
	// process. Default 10.
	MaxConsecutivePublishFailures int

	Now    func() time.Time
	Logger *slog.Logger
}

// Publisher runs the scheduled live-push and monthly-backup jobs.
type Publisher struct {
	cfg       Config
	logger    *slog.Logger
	s3Client  *s3.Client
	scheduler gocron.Scheduler

	lastBackupMonth string // "YYYY-MM" of the last successful backup; recorded only, never consulted

	failureMu           sync.Mutex
	consecutiveFailures int
	fatalCh             chan error // receives a fatal error once the consecutive-failure budget is reached
}

// New constructs a Publisher. It does not start the scheduler; call Run.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 30
	}
	if cfg.MinutesOfData <= 0 {
		cfg.MinutesOfData = 10
	}
	if cfg.ReplayDelaySeconds <= 0 {
		cfg.ReplayDelaySeconds = 300
	}
	if cfg.BackupDayOfMonth <= 0 {
		cfg.BackupDayOfMonth = 1
	}
	if cfg.MaxConsecutivePublishFailures <= 0 {
		cfg.MaxConsecutivePublishFailures = 10
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Publisher{
		cfg:       cfg,
		logger:    logging.Default(cfg.Logger).With("component", "publisher"),
		s3Client:  s3.NewFromConfig(awsCfg),
		scheduler: scheduler,
		fatalCh:   make(chan error, 1),
	}, nil
}

// Run registers the live-push and backup jobs and blocks until ctx is
// cancelled or the consecutive-failure limit delivers a fatal error, which
// it returns. Both jobs are always registered; each gates its own action on
// the current season state at fire time, giving mode-exclusivity (exactly
// one of {live push, backup, idle} per cycle) without needing to tear down
// and rebuild the scheduler on season transitions.
func (p *Publisher) Run(ctx context.Context) error {
	_, err := p.scheduler.NewJob(
		gocron.DurationJob(time.Duration(p.cfg.IntervalSeconds)*time.Second),
		gocron.NewTask(func() { p.onLiveTick(ctx) }),
		gocron.WithName("publish-live"),
	)
	if err != nil {
		return fmt.Errorf("register live job: %w", err)
	}

	cronExpr := fmt.Sprintf("0 %d %d * *", p.cfg.BackupHour, p.cfg.BackupDayOfMonth)
	_, err = p.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() { p.onBackupTick(ctx) }),
		gocron.WithName("publish-backup"),
	)
	if err != nil {
		return fmt.Errorf("register backup job: %w", err)
	}

	p.scheduler.Start()
	p.logger.Info("publisher started", "interval_seconds", p.cfg.IntervalSeconds, "backup_cron", cronExpr)

	select {
	case <-ctx.Done():
		return p.scheduler.Shutdown()
	case fatal := <-p.fatalCh:
		_ = p.scheduler.Shutdown()
		return fatal
	}
}

func (p *Publisher) onLiveTick(ctx context.Context) {
	now := p.cfg.Now()
	start, end, active := p.cfg.Season.Season(now)
	if !active {
		return
	}
	if err := p.pushLive(ctx, now, start, end); err != nil {
		p.logger.Error("live publish failed", "error", err)
		p.recordLiveFailure(err)
		return
	}
	p.resetLiveFailures()
}

// recordLiveFailure counts a failed live push toward the consecutive-failure
// budget. Once the count reaches MaxConsecutivePublishFailures, a fatal
// error is delivered to Run so
// the process can exit non-zero and let the process supervisor restart the
// daemon, per spec.md's publish failure policy.
func (p *Publisher) recordLiveFailure(err error) {
	p.failureMu.Lock()
	p.consecutiveFailures++
	n := p.consecutiveFailures
	p.failureMu.Unlock()

	if n < p.cfg.MaxConsecutivePublishFailures {
		return
	}
	fatal := fmt.Errorf("publisher: %d consecutive live-publish failures (max %d): %w",
		n, p.cfg.MaxConsecutivePublishFailures, err)
	select {
	case p.fatalCh <- fatal:
	default:
	}
}

func (p *Publisher) resetLiveFailures() {
	p.failureMu.Lock()
	p.consecutiveFailures = 0
	p.failureMu.Unlock()
}

func (p *Publisher) onBackupTick(ctx context.Context) {
	now := p.cfg.Now()
	_, _, active := p.cfg.Season.Season(now)
	if active {
		return
	}
	if err := p.pushBackup(ctx, now); err != nil {
		p.logger.Error("backup failed", "error", err)
	}
}

func (p *Publisher) pushLive(ctx context.Context, now, seasonStart, seasonEnd time.Time) error {
	snap, err := p.cfg.Store.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	obs, err := snap.Observations()
	if err != nil {
		return fmt.Errorf("read observations: %w", err)
	}

	doc := artifact.Build(obs, artifact.BuildConfig{
		Season:             artifact.Season{Start: seasonStart, End: seasonEnd, IsActive: true},
		ReplayDelaySeconds: p.cfg.ReplayDelaySeconds,
		MinutesOfData:      p.cfg.MinutesOfData,
		SegmentConfig:      p.cfg.SegmentConfig,
	}, now)

	gzipped, err := artifact.Encode(doc)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(p.cfg.Bucket),
		Key:             aws.String(p.cfg.Key),
		Body:            bytes.NewReader(gzipped),
		ContentEncoding: aws.String("gzip"),
		ContentType:     aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put live artifact: %w", err)
	}
	p.logger.Info("live artifact published", "bytes", len(gzipped))
	return nil
}

// pushBackup materializes a zstd-compressed snapshot of the whole store and
// uploads it to a month-scoped key, then rotates the store. The key already
// encodes (year, month), so invoking backup twice in the same month
// overwrites rather than duplicating the object — the idempotence property
// spec.md §8 names.
func (p *Publisher) pushBackup(ctx context.Context, now time.Time) error {
	month := now.Format("2006-01")
	key := fmt.Sprintf("%s/store_%s.zst", p.cfg.BackupPrefix, month)

	snap, err := p.cfg.Store.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	obs, err := snap.Observations()
	if err != nil {
		return fmt.Errorf("read observations: %w", err)
	}
	events, err := snap.DeviceEvents()
	if err != nil {
		return fmt.Errorf("read device events: %w", err)
	}

	tmp, err := os.CreateTemp("", "datasleigh-backup-*.zst")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	defer func() { _ = tmp.Close() }()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := writeBackupPayload(zw, obs, events); err != nil {
		_ = zw.Close()
		return fmt.Errorf("write backup payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}

	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("seek temp file: %w", err)
	}
	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        tmp,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put backup object: %w", err)
	}

	if err := p.cfg.Rotate.Rotate(); err != nil {
		return fmt.Errorf("rotate store after backup: %w", err)
	}
	p.lastBackupMonth = month
	p.logger.Info("backup published", "key", key)
	return nil
}

// backupPayload is the opaque (to consumers) structure written inside the
// zstd-compressed backup blob: spec.md §6 only requires the bytes be
// opaque, so this uses plain JSON rather than the store's own on-disk
// binary encoding, keeping the backup format independent of internal
// storage layout changes.
type backupPayload struct {
	GeneratedAt  time.Time            `json:"generated_at"`
	Observations []store.Observation  `json:"observations"`
	DeviceEvents []store.DeviceEvent  `json:"device_events"`
}

func writeBackupPayload(w io.Writer, obs []store.Observation, events []store.DeviceEvent) error {
	payload := backupPayload{GeneratedAt: time.Now().UTC(), Observations: obs, DeviceEvents: events}
	return json.NewEncoder(w).Encode(payload)
}
