// Package mqtt connects platewatch to an MQTT broker. Client is both the
// listener's event source and the scanner bridge's publisher.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/platewatch/pkg/listener"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Client wraps a paho client. It is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	client paho.Client
	subs   map[string]chan listener.Message
	done   chan struct{}
}

var _ listener.Source = (*Client)(nil)

// NewClient validates cfg and returns an unconnected client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "mqtt"), zap.String("client_id", cfg.ClientID)),
		subs:   make(map[string]chan listener.Message),
	}, nil
}

// Addr returns the broker URL.
func (c *Client) Addr() string { return c.cfg.Broker }

// Connect makes one connection attempt, giving up when ctx is done or the
// configured connect timeout passes.
func (c *Client) Connect(ctx context.Context) error {
	opts, err := c.cfg.pahoOptions()
	if err != nil {
		return err
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("connection to broker lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		c.logger.Info("reconnecting to broker")
	})

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("broker connection error: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("connected to broker", zap.String("broker", c.cfg.Broker))
	return nil
}

// onConnect restores subscriptions after an automatic reconnect.
func (c *Client) onConnect(client paho.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for topic, ch := range c.subs {
		token := client.Subscribe(topic, c.cfg.QoS, c.handler(ch, c.done))
		go func(topic string) {
			if token.Wait(); token.Error() != nil {
				c.logger.Error("resubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
				return
			}
			c.logger.Info("resubscribed", zap.String("topic", topic))
		}(topic)
	}
}

// Subscribe registers interest in topic. Messages are delivered in broker
// order; when the channel is full, delivery blocks the paho router.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan listener.Message, error) {
	c.mu.Lock()
	client, done := c.client, c.done
	if client == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("mqtt: already subscribed to %s", topic)
	}
	ch := make(chan listener.Message, c.cfg.BufferSize)
	c.subs[topic] = ch
	c.mu.Unlock()

	if err := wait(ctx, client.Subscribe(topic, c.cfg.QoS, c.handler(ch, done))); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		c.logger.Error("subscribe error", zap.Error(err), zap.String("topic", topic))
		return nil, fmt.Errorf("subscribe error: %w", err)
	}

	c.logger.Debug("subscribed to topic", zap.String("topic", topic))
	return ch, nil
}

func (c *Client) handler(ch chan<- listener.Message, done <-chan struct{}) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		msg := listener.Message{Topic: m.Topic(), Payload: m.Payload()}
		select {
		case ch <- msg:
		case <-done:
			c.logger.Warn("client disconnecting, message dropped",
				zap.String("topic", m.Topic()),
				zap.ByteString("payload", m.Payload()))
		}
	}
}

// Publish sends payload to topic with the configured QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	if err := wait(ctx, client.Publish(topic, c.cfg.QoS, false, payload)); err != nil {
		c.logger.Error("publish error", zap.Error(err), zap.String("topic", topic))
		return fmt.Errorf("publish error: %w", err)
	}
	c.logger.Debug("message published", zap.String("topic", topic))
	return nil
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

// Disconnect closes the broker connection and every subscription channel.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client, done := c.client, c.done
	c.client = nil
	c.done = nil
	c.mu.Unlock()

	if client == nil {
		return
	}
	// release handlers blocked on a full channel before paho waits for them
	close(done)
	client.Disconnect(250)

	c.mu.Lock()
	for topic, ch := range c.subs {
		close(ch)
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	c.logger.Info("disconnected from broker")
}

// wait blocks until token completes or ctx is done.
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
