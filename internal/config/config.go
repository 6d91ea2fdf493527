// Package config loads and validates Data Sleigh's effective configuration.
//
// Configuration is declarative: a single Config struct describes the
// desired shape of every component (source credentials, store path, batch
// thresholds, season window, publish target, alert thresholds). It is
// loaded once at process startup from environment variables (prefixed
// SLEIGH_) with documented defaults, and validated before any subscriber,
// the store, or the publisher start. An invalid configuration is fatal:
// Load returns an error describing every invalid field, and the caller
// must exit before touching the network or the store directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SourceA configures the local broker (Source A) subscriber.
type SourceA struct {
	Broker    string // host
	Port      int
	User      string
	Pass      string
	QoS       byte // 0, 1, or 2
	Keepalive time.Duration
	// Topics maps a subscription pattern (may contain + and # wildcards) to
	// the target table and a human-readable description, encoded in the
	// environment as "pattern:table:desc;pattern:table:desc;...".
	Topics []TopicBinding
}

// TopicBinding binds one MQTT subscription pattern to a target table.
type TopicBinding struct {
	Pattern     string
	Table       string
	Description string
}

// SourceB configures the cloud pub/sub (Source B) subscriber.
type SourceB struct {
	TokenEndpoint string // HTTPS POST {uaid,secret} -> {access_token,expires_in}
	StreamURL     string // wss:// endpoint subscribed to after auth
	UAID          string
	Secret        string
	DevicesAir    []string // device ids registered as air-sensor
	DevicesWater  []string // device ids registered as water-sensor
}

// Store configures the embedded single-writer store.
type Store struct {
	Path          string
	BatchSize     int
	FlushInterval time.Duration
	// CheckpointBytes is the write-ahead-region size that triggers a
	// segment seal-and-checkpoint (default ~1 GiB).
	CheckpointBytes int64
	// CheckpointAge triggers a seal-and-checkpoint once the active segment
	// has been open this long, regardless of size. Zero disables the
	// age-based check.
	CheckpointAge time.Duration
	// FreeSpaceFloorBytes is the hard floor below which append_batch
	// returns ErrStorageFull.
	FreeSpaceFloorBytes int64
}

// Season configures the operator-defined live-publish window.
type Season struct {
	Start time.Time // UTC calendar date, inclusive
	End   time.Time // UTC calendar date, exclusive
}

// IsActive reports whether now falls within [Start, End).
func (s Season) IsActive(now time.Time) bool {
	now = now.UTC()
	return !now.Before(s.Start) && now.Before(s.End)
}

// Season implements publish.SeasonProvider, letting the Publisher query the
// season window without importing internal/config's concrete Config type.
func (s Season) Season(now time.Time) (start, end time.Time, active bool) {
	return s.Start, s.End, s.IsActive(now)
}

// Publish configures the object-store target and publish cadence.
type Publish struct {
	Bucket                        string
	Key                           string
	BackupPrefix                  string
	AWSRegion                     string
	AWSAccessKeyID                string
	AWSSecretAccessKey            string
	IntervalSeconds               int
	MinutesOfData                 int
	ReplayDelaySeconds            int
	MaxConsecutivePublishFailures int
}

// Backup configures the off-season monthly cold-backup timing.
type Backup struct {
	DayOfMonth int // 1-28, wall-clock UTC day
	Hour       int // 0-23, wall-clock UTC hour
}

// Segment configures the piecewise-regression refill detector. There is no
// built-in default for JumpThreshold: the scale of a "refill" jump is
// deployment-specific (raw sensor units vary by tank geometry and sensor
// type), so the operator must set it explicitly.
type Segment struct {
	JumpThreshold    float64
	MinGoodness      float64
	MinSegmentLength int
	MinSeriesLength  int
}

// Alert configures Health Monitor notification thresholds.
type Alert struct {
	EmailTo       string
	DBSizeMB      int64
	FreeSpaceMB   int64
	CooldownHours int

	SMTPAddr string
	SMTPFrom string
}

// Config is the complete effective configuration for one Data Sleigh process.
type Config struct {
	SourceA SourceA
	SourceB SourceB
	Store   Store
	Season  Season
	Publish Publish
	Backup  Backup
	Segment Segment
	Alert   Alert
}

const (
	defaultBatchSize              = 5000
	defaultFlushInterval          = 300 * time.Second
	defaultCheckpointBytes        = 1 << 30 // ~1 GiB
	defaultFreeSpaceFloorBytes    = 100 << 20
	defaultQoS                    = 0
	defaultKeepalive              = 60 * time.Second
	defaultPublishInterval        = 30
	defaultMinutesOfData          = 10
	defaultReplayDelay            = 300
	defaultMaxConsecutiveFailures = 10
	defaultBackupDay              = 1
	defaultBackupHour             = 3
	defaultCooldownHours          = 24
	defaultSegmentGoodness        = 0.4
	defaultSegmentMinLength       = 3
	defaultSegmentSeriesLength    = 5
)

// Load reads the effective configuration from the process environment and
// validates it. On any invalid or missing required field, it returns an
// error enumerating every problem found (not just the first), so an
// operator can fix a broken config in one pass.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		SourceA: SourceA{
			Broker:    getEnv("SLEIGH_SOURCE_A_BROKER", "localhost"),
			Port:      getEnvInt("SLEIGH_SOURCE_A_PORT", 1883, &errs),
			User:      os.Getenv("SLEIGH_SOURCE_A_USER"),
			Pass:      os.Getenv("SLEIGH_SOURCE_A_PASS"),
			QoS:       byte(getEnvInt("SLEIGH_SOURCE_A_QOS", defaultQoS, &errs)),
			Keepalive: getEnvDuration("SLEIGH_SOURCE_A_KEEPALIVE", defaultKeepalive, &errs),
			Topics:    parseTopics(os.Getenv("SLEIGH_SOURCE_A_TOPICS"), &errs),
		},
		SourceB: SourceB{
			TokenEndpoint: os.Getenv("SLEIGH_SOURCE_B_TOKEN_ENDPOINT"),
			StreamURL:     os.Getenv("SLEIGH_SOURCE_B_STREAM_URL"),
			UAID:          os.Getenv("SLEIGH_SOURCE_B_ID"),
			Secret:        os.Getenv("SLEIGH_SOURCE_B_SECRET"),
			DevicesAir:    splitCSV(os.Getenv("SLEIGH_SOURCE_B_DEVICES_AIR")),
			DevicesWater:  splitCSV(os.Getenv("SLEIGH_SOURCE_B_DEVICES_WATER")),
		},
		Store: Store{
			Path:                getEnv("SLEIGH_STORE_PATH", "./data/sleigh.store"),
			BatchSize:           getEnvInt("SLEIGH_STORE_BATCH_SIZE", defaultBatchSize, &errs),
			FlushInterval:       getEnvDuration("SLEIGH_STORE_FLUSH_INTERVAL", defaultFlushInterval, &errs),
			CheckpointBytes:     getEnvInt64("SLEIGH_STORE_CHECKPOINT_BYTES", defaultCheckpointBytes, &errs),
			CheckpointAge:       getEnvDuration("SLEIGH_STORE_CHECKPOINT_AGE", 0, &errs),
			FreeSpaceFloorBytes: getEnvInt64("SLEIGH_STORE_FREE_SPACE_FLOOR_BYTES", defaultFreeSpaceFloorBytes, &errs),
		},
		Season: Season{
			Start: getEnvDate("SLEIGH_SEASON_START", &errs),
			End:   getEnvDate("SLEIGH_SEASON_END", &errs),
		},
		Publish: Publish{
			Bucket:                        os.Getenv("SLEIGH_PUBLISH_BUCKET"),
			Key:                           getEnv("SLEIGH_PUBLISH_KEY", "live.json.gz"),
			BackupPrefix:                  getEnv("SLEIGH_PUBLISH_BACKUP_PREFIX", "backups"),
			AWSRegion:                     getEnv("SLEIGH_PUBLISH_AWS_REGION", "us-east-1"),
			AWSAccessKeyID:                os.Getenv("SLEIGH_PUBLISH_AWS_KEY"),
			AWSSecretAccessKey:            os.Getenv("SLEIGH_PUBLISH_AWS_SECRET"),
			IntervalSeconds:               getEnvInt("SLEIGH_PUBLISH_INTERVAL_SECONDS", defaultPublishInterval, &errs),
			MinutesOfData:                 getEnvInt("SLEIGH_PUBLISH_MINUTES_OF_DATA", defaultMinutesOfData, &errs),
			ReplayDelaySeconds:            getEnvInt("SLEIGH_PUBLISH_REPLAY_DELAY_SECONDS", defaultReplayDelay, &errs),
			MaxConsecutivePublishFailures: getEnvInt("SLEIGH_PUBLISH_MAX_CONSECUTIVE_FAILURES", defaultMaxConsecutiveFailures, &errs),
		},
		Backup: Backup{
			DayOfMonth: getEnvInt("SLEIGH_BACKUP_DAY_OF_MONTH", defaultBackupDay, &errs),
			Hour:       getEnvInt("SLEIGH_BACKUP_HOUR", defaultBackupHour, &errs),
		},
		Segment: Segment{
			JumpThreshold:    getEnvFloat("SLEIGH_SEGMENT_JUMP_THRESHOLD", 0, &errs),
			MinGoodness:      getEnvFloat("SLEIGH_SEGMENT_MIN_GOODNESS", defaultSegmentGoodness, &errs),
			MinSegmentLength: getEnvInt("SLEIGH_SEGMENT_MIN_LENGTH", defaultSegmentMinLength, &errs),
			MinSeriesLength:  getEnvInt("SLEIGH_SEGMENT_MIN_SERIES_LENGTH", defaultSegmentSeriesLength, &errs),
		},
		Alert: Alert{
			EmailTo:       os.Getenv("SLEIGH_ALERT_EMAIL_TO"),
			DBSizeMB:      getEnvInt64("SLEIGH_ALERT_DB_SIZE_MB", 0, &errs),
			FreeSpaceMB:   getEnvInt64("SLEIGH_ALERT_FREE_SPACE_MB", 0, &errs),
			CooldownHours: getEnvInt("SLEIGH_ALERT_COOLDOWN_HOURS", defaultCooldownHours, &errs),
			SMTPAddr:      getEnv("SLEIGH_ALERT_SMTP_ADDR", "localhost:25"),
			SMTPFrom:      getEnv("SLEIGH_ALERT_SMTP_FROM", "sleigh@localhost"),
		},
	}

	validate(cfg, &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func validate(cfg *Config, errs *[]error) {
	if cfg.SourceA.Port <= 0 || cfg.SourceA.Port > 65535 {
		*errs = append(*errs, fmt.Errorf("source_a.port %d out of range", cfg.SourceA.Port))
	}
	if cfg.SourceA.QoS > 2 {
		*errs = append(*errs, fmt.Errorf("source_a.qos %d must be 0, 1, or 2", cfg.SourceA.QoS))
	}
	if len(cfg.SourceA.Topics) == 0 {
		*errs = append(*errs, errors.New("source_a.topics must contain at least one binding"))
	}
	if cfg.SourceB.TokenEndpoint == "" {
		*errs = append(*errs, errors.New("source_b.token_endpoint is required"))
	}
	if cfg.SourceB.StreamURL == "" {
		*errs = append(*errs, errors.New("source_b.stream_url is required"))
	}
	if cfg.Store.Path == "" {
		*errs = append(*errs, errors.New("store.path is required"))
	}
	if cfg.Store.BatchSize <= 0 {
		*errs = append(*errs, errors.New("store.batch_size must be positive"))
	}
	if cfg.Store.FlushInterval <= 0 {
		*errs = append(*errs, errors.New("store.flush_interval must be positive"))
	}
	if cfg.Season.Start.IsZero() || cfg.Season.End.IsZero() {
		*errs = append(*errs, errors.New("season.start and season.end are required"))
	} else if !cfg.Season.Start.Before(cfg.Season.End) {
		*errs = append(*errs, errors.New("season.start must be before season.end"))
	}
	if cfg.Publish.Bucket == "" {
		*errs = append(*errs, errors.New("publish.bucket is required"))
	}
	if cfg.Publish.IntervalSeconds <= 0 {
		*errs = append(*errs, errors.New("publish.interval_seconds must be positive"))
	}
	if cfg.Backup.DayOfMonth < 1 || cfg.Backup.DayOfMonth > 28 {
		*errs = append(*errs, fmt.Errorf("backup.day_of_month %d must be in [1,28]", cfg.Backup.DayOfMonth))
	}
	if cfg.Backup.Hour < 0 || cfg.Backup.Hour > 23 {
		*errs = append(*errs, fmt.Errorf("backup.hour %d must be in [0,23]", cfg.Backup.Hour))
	}
	if cfg.Segment.JumpThreshold <= 0 {
		*errs = append(*errs, errors.New("segment.jump_threshold is required and must be positive (deployment-specific, no default)"))
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q: %w", key, v, err))
		return def
	}
	return n
}

func getEnvInt64(key string, def int64, errs *[]error) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q: %w", key, v, err))
		return def
	}
	return n
}

func getEnvFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid number %q: %w", key, v, err))
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept bare seconds as well as Go duration syntax.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q: %w", key, v, err))
		return def
	}
	return d
}

func getEnvDate(key string, errs *[]error) time.Time {
	v := os.Getenv(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid date %q (want YYYY-MM-DD): %w", key, v, err))
		return time.Time{}
	}
	return t.UTC()
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTopics parses "pattern:table:desc;pattern:table:desc;..." into bindings.
func parseTopics(v string, errs *[]error) []TopicBinding {
	if v == "" {
		return nil
	}
	var bindings []TopicBinding
	for _, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			*errs = append(*errs, fmt.Errorf("source_a.topics: invalid binding %q (want pattern:table[:desc])", entry))
			continue
		}
		b := TopicBinding{Pattern: parts[0], Table: parts[1]}
		if len(parts) == 3 {
			b.Description = parts[2]
		}
		bindings = append(bindings, b)
	}
	return bindings
}
