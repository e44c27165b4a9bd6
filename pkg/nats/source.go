// Package nats lets the listener consume plate events from a NATS subject
// instead of an MQTT topic.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/platewatch/pkg/listener"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject mirrors the MQTT topic with NATS separators.
const DefaultSubject = "plates.detected"

var errConnNotInitialized = errors.New("NATS connection not initialized")

// Config represents NATS configuration
type Config struct {
	URL      string `mapstructure:"url"`
	Subject  string `mapstructure:"subject"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// BufferSize is the depth of the subscription channel, defaults to 100
	BufferSize int `mapstructure:"bufferSize"`
	TLS        struct {
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

// Source implements listener.Source and the bridge publisher over core NATS.
type Source struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	nc   *nats.Conn
	subs []*subscription
}

type subscription struct {
	sub  *nats.Subscription
	ch   chan listener.Message
	done chan struct{}
}

var _ listener.Source = (*Source)(nil)

func New(cfg Config, logger *zap.Logger) *Source {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, logger: logger.With(zap.String("component", "nats"))}
}

func (s *Source) Addr() string { return s.cfg.URL }

// Subject is the configured subject, used when the listener topic is unset.
func (s *Source) Subject() string { return s.cfg.Subject }

// Connect makes one connection attempt bounded by ctx.
func (s *Source) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := s.options()
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	s.mu.Lock()
	s.nc = nc
	s.mu.Unlock()
	s.logger.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nil
}

// Subscribe forwards every message on subject to the returned channel.
func (s *Source) Subscribe(_ context.Context, subject string) (<-chan listener.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		return nil, errConnNotInitialized
	}

	sb := &subscription{
		ch:   make(chan listener.Message, s.cfg.BufferSize),
		done: make(chan struct{}),
	}
	sub, err := s.nc.Subscribe(subject, func(m *nats.Msg) {
		select {
		case sb.ch <- listener.Message{Topic: m.Subject, Payload: m.Data}:
		case <-sb.done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	sb.sub = sub
	s.subs = append(s.subs, sb)

	s.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sb.ch, nil
}

// Publish sends payload on subject.
func (s *Source) Publish(_ context.Context, subject string, payload []byte) error {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()
	if nc == nil {
		return errConnNotInitialized
	}
	if err := nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (s *Source) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

// Disconnect drains subscriptions, closes the connection and closes every
// subscription channel.
func (s *Source) Disconnect() {
	s.mu.Lock()
	nc, subs := s.nc, s.subs
	s.nc, s.subs = nil, nil
	s.mu.Unlock()

	if nc == nil {
		return
	}
	for _, sb := range subs {
		close(sb.done)
		if err := sb.sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe", zap.Error(err))
		}
	}
	nc.Close()
	for _, sb := range subs {
		close(sb.ch)
	}
	s.logger.Info("disconnected from NATS")
}

func (s *Source) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("platewatch"),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}
	if s.cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(s.cfg.TLS.CAFile))
	}
	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile))
	}
	return opts
}
