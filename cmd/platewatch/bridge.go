package main

import (
	"cmp"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/platewatch/pkg/bridge"
	"github.com/edgeflare/platewatch/pkg/config"
	"github.com/edgeflare/platewatch/pkg/mqtt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Forward scanner readings to the MQTT broker",
	Long: `Polls the plate scanner and publishes every reading as JSON on the plates
topic. Readings taken while the broker is unreachable are spooled to disk and
replayed once it is back.`,
	RunE: runBridge,
}

func init() {
	d := config.Default()
	f := bridgeCmd.Flags()
	f.String("bridge.scannerURL", d.Bridge.ScannerURL, "scanner endpoint to poll")
	f.Duration("bridge.interval", d.Bridge.Interval, "time between polls")
	f.Duration("bridge.flushInterval", d.Bridge.FlushInterval, "time between spool replays")
	f.String("bridge.spoolPath", d.Bridge.SpoolPath, "file holding unpublished readings")
	f.String("mqtt.broker", d.MQTT.Broker, "MQTT broker URL")
	f.String("mqtt.topic", d.MQTT.Topic, "MQTT topic to publish to")
	addMetricsFlags(bridgeCmd)

	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	client, err := mqtt.NewClient(cfg.MQTT, logger)
	if err != nil {
		return fmt.Errorf("invalid mqtt config: %w", err)
	}
	// paho reconnects on its own after the first connection; until then
	// readings are spooled
	connected := connectInBackground(ctx, client, cmp.Or(cfg.MQTT.ConnectTimeout, 10*time.Second), time.Minute)
	defer func() {
		stop()
		<-connected
		client.Disconnect()
	}()

	bcfg := cfg.Bridge
	if bcfg.Topic == "" {
		bcfg.Topic = cfg.MQTT.Topic
	}
	b, err := bridge.New(bcfg, client, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	startMetrics(ctx, &wg)
	defer wg.Wait()

	err = b.Run(ctx)
	stop()
	return err
}

// brokerConn is the part of *mqtt.Client the first connection needs.
type brokerConn interface {
	Connect(ctx context.Context) error
	Addr() string
}

// connectInBackground retries the first broker connection until it succeeds
// or ctx ends. The returned channel is closed once no attempt is in flight,
// after which Disconnect sees every connection Connect made.
func connectInBackground(ctx context.Context, client brokerConn, timeout, maxInterval time.Duration) <-chan struct{} {
	done := make(chan struct{})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(b.InitialInterval, maxInterval)
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := client.Connect(attemptCtx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("broker unreachable, spooling readings", zap.String("broker", client.Addr()), zap.Error(err))
		}
		return err
	}

	go func() {
		defer close(done)
		_ = backoff.Retry(op, backoff.WithContext(b, ctx))
	}()
	return done
}
