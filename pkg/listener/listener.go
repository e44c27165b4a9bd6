// Package listener bridges an event source to the store: it keeps one
// subscription open and runs every delivered payload through the decoder and
// into the store, logging and dropping messages that fail.
package listener

import (
	"cmp"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/platewatch/pkg/metrics"
	"github.com/edgeflare/platewatch/pkg/plate"
	"go.uber.org/zap"
)

// DefaultTopic is the topic the original scanner firmware publishes to.
const DefaultTopic = "plates/detected"

// Message is one payload delivered by a Source.
type Message struct {
	Topic   string
	Payload []byte
}

// Source is a broker connection the listener subscribes through.
type Source interface {
	// Connect dials the broker. It must give up when ctx is done.
	Connect(ctx context.Context) error
	// Subscribe registers interest in topic. The returned channel is closed
	// when the subscription ends.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Disconnect()
	// Addr names the broker for logs and errors.
	Addr() string
}

// Appender is the part of the store the listener writes to.
type Appender interface {
	Append(ctx context.Context, plate, timestamp string) (plate.Event, error)
}

type Options struct {
	Logger *zap.Logger
	Topic  string
	// SourceName labels metrics, e.g. "mqtt" or "nats"
	SourceName string
	// ConnectTimeout bounds each connection attempt, defaults to 10 seconds
	ConnectTimeout time.Duration
	// ConnectRetries is the number of retries after the first failed attempt.
	// Zero gives up after a single attempt.
	ConnectRetries       int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// Listener consumes one Source into one Appender.
type Listener struct {
	src    Source
	store  Appender
	opts   Options
	logger *zap.Logger
	state  atomic.Int32
}

// New returns a Listener in the Disconnected state.
func New(src Source, store Appender, opts Options) *Listener {
	opts.Topic = cmp.Or(opts.Topic, DefaultTopic)
	opts.SourceName = cmp.Or(opts.SourceName, "mqtt")
	opts.ConnectTimeout = cmp.Or(opts.ConnectTimeout, 10*time.Second)
	opts.RetryInitialInterval = cmp.Or(opts.RetryInitialInterval, 500*time.Millisecond)
	opts.RetryMaxInterval = cmp.Or(opts.RetryMaxInterval, 30*time.Second)
	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Listener{
		src:    src,
		store:  store,
		opts:   opts,
		logger: logger.With(zap.String("component", "listener"), zap.String("topic", opts.Topic)),
	}
	l.setState(Disconnected)
	return l
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	metrics.ListenerState.WithLabelValues(prev.String()).Set(0)
	metrics.ListenerState.WithLabelValues(s.String()).Set(1)
	if prev != s {
		l.logger.Debug("listener state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run connects, subscribes and processes messages until ctx is canceled or the
// source closes the subscription, in which case it returns nil. If the source
// cannot be reached it returns a *plate.ConnectionError and stays Failed.
func (l *Listener) Run(ctx context.Context) error {
	l.setState(Connecting)

	if err := l.connect(ctx); err != nil {
		if ctx.Err() != nil {
			l.setState(Disconnected)
			return nil
		}
		l.setState(Failed)
		return err
	}

	msgs, err := l.src.Subscribe(ctx, l.opts.Topic)
	if err != nil {
		l.src.Disconnect()
		l.setState(Failed)
		return &plate.ConnectionError{Addr: l.src.Addr(), Attempts: 1, Err: fmt.Errorf("subscribe %s: %w", l.opts.Topic, err)}
	}
	l.setState(Subscribed)
	l.logger.Info("subscribed", zap.String("broker", l.src.Addr()))

	defer func() {
		l.src.Disconnect()
		l.setState(Disconnected)
	}()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("listener stopping", zap.Error(ctx.Err()))
			return nil
		case msg, ok := <-msgs:
			if !ok {
				l.logger.Warn("subscription closed by source")
				return nil
			}
			l.setState(Processing)
			l.dispatch(ctx, msg)
			l.setState(Subscribed)
		}
	}
}

func (l *Listener) connect(ctx context.Context) error {
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
		defer cancel()

		if err := l.src.Connect(attemptCtx); err != nil {
			lastErr = err
			l.logger.Warn("connect attempt failed",
				zap.String("broker", l.src.Addr()),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.RetryInitialInterval
	b.MaxInterval = l.opts.RetryMaxInterval
	b.MaxElapsedTime = 0 // bounded by ConnectRetries instead

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.opts.ConnectRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return &plate.ConnectionError{Addr: l.src.Addr(), Attempts: attempts, Err: lastErr}
	}

	l.logger.Info("connected", zap.String("broker", l.src.Addr()), zap.Int("attempts", attempts))
	return nil
}

// dispatch handles one message and keeps the loop alive whatever happens.
func (l *Listener) dispatch(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic while processing message",
				zap.Any("panic", r),
				zap.ByteString("payload", msg.Payload))
		}
	}()
	_ = l.HandleMessage(ctx, msg)
}

// HandleMessage decodes msg and appends it to the store. Failures are logged
// with the raw payload and returned, but never stop the listener.
func (l *Listener) HandleMessage(ctx context.Context, msg Message) error {
	start := time.Now()
	metrics.MessagesReceived.WithLabelValues(l.opts.SourceName).Inc()
	l.logger.Debug("message received", zap.String("msg_topic", msg.Topic), zap.ByteString("payload", msg.Payload))

	p, ts, err := plate.Decode(msg.Payload)
	if err != nil {
		metrics.DecodeErrors.Inc()
		l.logger.Warn("dropping malformed message",
			zap.String("msg_topic", msg.Topic),
			zap.ByteString("payload", msg.Payload),
			zap.Error(err))
		return err
	}

	e, err := l.store.Append(ctx, p, ts)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("append").Inc()
		l.logger.Error("failed to store event",
			zap.String("msg_topic", msg.Topic),
			zap.ByteString("payload", msg.Payload),
			zap.Error(err))
		return err
	}

	metrics.EventsStored.Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	l.logger.Info("event stored",
		zap.Int64("id", e.ID),
		zap.String("plate", e.Plate),
		zap.String("timestamp", e.Timestamp))
	return nil
}
