// Package mqttsub implements Source A: a local MQTT broker subscription
// that turns every delivered message into an Observation on the ingest
// buffer.
package mqttsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"datasleigh/internal/ingest"
	"datasleigh/internal/logging"
	"datasleigh/internal/store"
	"datasleigh/internal/subscriber"
)

// TopicBinding maps one subscribed pattern to the table a matching message
// should land in, matching config.TopicBinding. The Table field is carried
// but not used for routing: every delivered message is forwarded as an
// observation, whatever table its binding names.
type TopicBinding struct {
	Pattern string
	Table   store.Table
}

// Config configures Subscriber.
type Config struct {
	Broker    string // host:port, no scheme
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	Keepalive time.Duration
	Topics    []TopicBinding

	Backoff subscriber.Policy
	Logger  *slog.Logger
}

// Subscriber implements subscriber.Subscriber for an MQTT broker.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state subscriber.State
}

// New returns a ready-to-run Subscriber.
func New(cfg Config) *Subscriber {
	if cfg.Backoff == nil {
		cfg.Backoff = subscriber.NewExponentialPolicy(time.Second, 60*time.Second)
	}
	return &Subscriber{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "subscriber", "source", "a"),
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

// Run connects, subscribes, and forwards every delivered message as an
// Observation until ctx is cancelled. Any failed attempt, including a
// connection loss, is retried with capped-exponential backoff rather than
// returned; Run returns only once ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, out chan<- ingest.Message) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.runOnce(ctx, out)
		if err == nil {
			return nil // ctx cancelled cleanly inside runOnce
		}
		s.setState(subscriber.Failed)
		delay := s.cfg.Backoff.Delay(attempt)
		attempt++
		s.logger.Warn("mqtt subscriber failed, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context, out chan<- ingest.Message) error {
	s.setState(subscriber.Connecting)

	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	if s.cfg.ClientID != "" {
		opts.SetClientID(s.cfg.ClientID)
	}
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.Keepalive > 0 {
		opts.SetKeepAlive(s.cfg.Keepalive)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setState(subscriber.Failed)
		select {
		case lost <- err:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer client.Disconnect(250)

	for _, binding := range s.cfg.Topics {
		table := binding.Table
		subToken := client.Subscribe(binding.Pattern, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.handleMessage(out, table, msg)
		})
		if !subToken.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("subscribe to %q timed out", binding.Pattern)
		}
		if err := subToken.Error(); err != nil {
			return fmt.Errorf("subscribe to %q: %w", binding.Pattern, err)
		}
	}

	s.setState(subscriber.Subscribed)
	s.logger.Info("mqtt subscriber connected", "broker", s.cfg.Broker, "topics", len(s.cfg.Topics))

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return err
	}
}

func (s *Subscriber) handleMessage(out chan<- ingest.Message, table store.Table, msg mqtt.Message) {
	obs := store.Observation{
		Timestamp: time.Now().UTC(),
		Topic:     msg.Topic(),
		Payload:   string(msg.Payload()),
		QoS:       byte(msg.Qos()),
		Retained:  msg.Retained(),
	}
	_ = table // Data Sleigh routes all Source A bindings to observations today.
	out <- ingest.NewObservation(obs)
}
