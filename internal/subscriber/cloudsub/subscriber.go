// Package cloudsub implements Source B: a cloud pub/sub stream reached over
// a token-gated websocket, emitting DeviceEvents onto the ingest buffer.
package cloudsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"datasleigh/internal/ingest"
	"datasleigh/internal/logging"
	"datasleigh/internal/store"
	"datasleigh/internal/subscriber"
)

// Config configures Subscriber.
type Config struct {
	TokenEndpoint string
	StreamURL     string
	UAID          string
	Secret        string

	// DevicesAir/DevicesWater list the device ids registered for each
	// class, used to resolve DeviceClass for incoming events.
	DevicesAir   []string
	DevicesWater []string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Backoff    subscriber.Policy
	Now        func() time.Time
	Logger     *slog.Logger
}

// Subscriber implements subscriber.Subscriber for the cloud device stream.
type Subscriber struct {
	cfg     Config
	logger  *slog.Logger
	classOf map[string]store.DeviceClass

	mu    sync.Mutex
	state subscriber.State
}

// New returns a ready-to-run Subscriber.
func New(cfg Config) *Subscriber {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = subscriber.NewExponentialPolicy(time.Second, 60*time.Second)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	classOf := make(map[string]store.DeviceClass, len(cfg.DevicesAir)+len(cfg.DevicesWater))
	for _, id := range cfg.DevicesAir {
		classOf[id] = store.DeviceClassAir
	}
	for _, id := range cfg.DevicesWater {
		classOf[id] = store.DeviceClassWater
	}
	return &Subscriber{
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "subscriber", "source", "b"),
		classOf: classOf,
	}
}

func (s *Subscriber) State() subscriber.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(v subscriber.State) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// Run authenticates, connects, and forwards every decodable event as a
// DeviceEvent until ctx is cancelled, reconnecting (and re-authenticating)
// with capped-exponential backoff on any failure.
func (s *Subscriber) Run(ctx context.Context, out chan<- ingest.Message) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.runOnce(ctx, out)
		if err == nil {
			return nil
		}
		s.setState(subscriber.Failed)
		delay := s.cfg.Backoff.Delay(attempt)
		attempt++
		s.logger.Warn("cloud subscriber failed, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context, out chan<- ingest.Message) error {
	s.setState(subscriber.Authenticating)
	tok, err := fetchToken(ctx, s.cfg.HTTPClient, s.cfg.TokenEndpoint, s.cfg.UAID, s.cfg.Secret, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	s.setState(subscriber.Connecting)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.value)
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.StreamURL, header)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	refreshTimer := time.NewTimer(refreshDelay(tok, s.cfg.Now()))
	defer refreshTimer.Stop()

	errCh := make(chan error, 1)
	go s.readLoop(conn, out, errCh)

	s.setState(subscriber.Subscribed)
	s.logger.Info("cloud subscriber connected", "stream", s.cfg.StreamURL)

	for {
		select {
		case <-runCtx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-refreshTimer.C:
			// A token nearing expiry: reconnect fresh rather than trying to
			// swap credentials on a live socket, matching the teacher's
			// one-shot-timer refresh idiom applied to a streamed connection.
			return fmt.Errorf("token refresh due, reconnecting")
		}
	}
}

func (s *Subscriber) readLoop(conn *websocket.Conn, out chan<- ingest.Message, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		event, err := decodeEvent(data, s.classOf)
		if err != nil {
			s.logger.Warn("dropping unparseable device event", "error", err)
			continue
		}
		out <- ingest.NewDeviceEvent(event)
	}
}

// wireEvent is the cloud stream's event envelope:
// {"time": RFC3339, "deviceId": "...", "payload": {...}}.
type wireEvent struct {
	Time     time.Time       `json:"time"`
	DeviceID string          `json:"deviceId"`
	Payload  json.RawMessage `json:"payload"`
}

// wirePayload carries the optional sensor fields. Fields absent from the
// event are left as nil pointers and persisted as "has" flags, per
// spec.md §4.2: "optional fields absent in the event are persisted as null."
type wirePayload struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Battery     *int     `json:"battery"`
	Signal      *int     `json:"signal"`
}

func decodeEvent(data []byte, classOf map[string]store.DeviceClass) (store.DeviceEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return store.DeviceEvent{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if w.DeviceID == "" {
		return store.DeviceEvent{}, fmt.Errorf("event missing deviceId")
	}
	class, known := classOf[w.DeviceID]
	if !known {
		return store.DeviceEvent{}, fmt.Errorf("device %q has no registered class", w.DeviceID)
	}

	var p wirePayload
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return store.DeviceEvent{}, fmt.Errorf("decode event payload: %w", err)
		}
	}

	ts := w.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	event := store.DeviceEvent{
		Timestamp:   ts.UTC(),
		DeviceID:    w.DeviceID,
		DeviceClass: class,
		RawPayload:  string(data),
	}
	if p.Temperature != nil {
		event.Temperature = *p.Temperature
		event.HasTemperature = true
	}
	if p.Humidity != nil && class == store.DeviceClassAir {
		event.Humidity = *p.Humidity
		event.HasHumidity = true
	}
	if p.Battery != nil {
		event.Battery = *p.Battery
	}
	if p.Signal != nil {
		event.Signal = *p.Signal
	}
	return event, nil
}
