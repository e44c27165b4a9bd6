// Package bridge polls the plate scanner over HTTP and publishes every
// reading to the broker, spooling readings to disk while the broker is
// unreachable.
package bridge

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/edgeflare/platewatch/pkg/httputil"
	"github.com/edgeflare/platewatch/pkg/listener"
	"github.com/edgeflare/platewatch/pkg/metrics"
	"github.com/edgeflare/platewatch/pkg/plate"
	"github.com/edgeflare/platewatch/pkg/scanner"
	"go.uber.org/zap"
)

// Publisher is the broker side of the bridge.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
}

type Config struct {
	ScannerURL string `mapstructure:"scannerURL"`
	Topic      string `mapstructure:"topic"`
	// Interval between scanner polls, defaults to 5 seconds
	Interval time.Duration `mapstructure:"interval"`
	// FlushInterval between spool replays while connected, defaults to 30 seconds
	FlushInterval time.Duration `mapstructure:"flushInterval"`
	SpoolPath     string        `mapstructure:"spoolPath"`
	// ScanRetries is how many times a failed scanner request is retried
	ScanRetries int `mapstructure:"scanRetries"`
}

const (
	DefaultScannerURL = "http://localhost:5000/get_plate"
	DefaultSpoolPath  = "plates.spool"
)

func (c Config) withDefaults() Config {
	c.ScannerURL = cmp.Or(c.ScannerURL, DefaultScannerURL)
	c.Topic = cmp.Or(c.Topic, listener.DefaultTopic)
	c.Interval = cmp.Or(c.Interval, 5*time.Second)
	c.FlushInterval = cmp.Or(c.FlushInterval, 30*time.Second)
	c.SpoolPath = cmp.Or(c.SpoolPath, DefaultSpoolPath)
	return c
}

type Bridge struct {
	cfg    Config
	pub    Publisher
	spool  *Spool
	logger *zap.Logger
	client *http.Client
}

// New opens the spool and returns a bridge ready to Run.
func New(cfg Config, pub Publisher, logger *zap.Logger) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bridge"))

	spool, err := OpenSpool(cfg.SpoolPath, logger)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:    cfg,
		pub:    pub,
		spool:  spool,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Run polls until ctx is canceled. Pending spool entries are replayed first.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge started",
		zap.String("scanner", b.cfg.ScannerURL),
		zap.String("topic", b.cfg.Topic),
		zap.Duration("interval", b.cfg.Interval))

	b.Flush(ctx)

	poll := time.NewTicker(b.cfg.Interval)
	defer poll.Stop()
	flush := time.NewTicker(b.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge stopping")
			return nil
		case <-poll.C:
			if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("poll failed", zap.Error(err))
			}
		case <-flush.C:
			b.Flush(ctx)
		}
	}
}

// Poll reads the scanner once and forwards the reading. A reading that cannot
// be published is spooled, and only a failure to spool is returned then.
func (b *Bridge) Poll(ctx context.Context) error {
	reading, err := b.scan(ctx)
	if err != nil {
		return err
	}

	payload, err := plate.Encode(reading.Plate, reading.Timestamp)
	if err != nil {
		return err
	}

	if err := b.publish(ctx, payload); err != nil {
		b.logger.Warn("broker unavailable, spooling reading", zap.String("plate", reading.Plate), zap.Error(err))
		if err := b.spool.Append(payload); err != nil {
			return fmt.Errorf("spool reading: %w", err)
		}
		metrics.BridgeSpooled.Inc()
		return nil
	}

	b.logger.Info("reading published", zap.String("plate", reading.Plate), zap.String("timestamp", reading.Timestamp))
	b.Flush(ctx)
	return nil
}

// Flush replays the spool while the broker is reachable.
func (b *Bridge) Flush(ctx context.Context) {
	if !b.pub.IsConnected() {
		return
	}
	if _, err := b.spool.Drain(ctx, func(payload []byte) error {
		return b.publish(ctx, payload)
	}); err != nil && ctx.Err() == nil {
		b.logger.Warn("spool replay interrupted", zap.Error(err))
	}
}

// Spool exposes the bridge's spool, mainly for status reporting.
func (b *Bridge) Spool() *Spool { return b.spool }

func (b *Bridge) publish(ctx context.Context, payload []byte) error {
	if !b.pub.IsConnected() {
		return fmt.Errorf("publisher not connected")
	}
	if err := b.pub.Publish(ctx, b.cfg.Topic, payload); err != nil {
		return err
	}
	metrics.BridgePublished.Inc()
	return nil
}

func (b *Bridge) scan(ctx context.Context) (scanner.Reading, error) {
	req := httputil.DefaultRequestConfig(http.MethodGet, b.cfg.ScannerURL)
	req.Client = b.client
	req.Logger = b.logger
	req.MaxRetries = b.cfg.ScanRetries
	req.MaxBackoff = b.cfg.Interval

	resp, err := httputil.Request(ctx, req)
	if err != nil {
		return scanner.Reading{}, fmt.Errorf("query scanner: %w", err)
	}
	return scanner.ParseReading(string(resp.Body))
}
