package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/platewatch/pkg/api"
	"github.com/edgeflare/platewatch/pkg/config"
	"github.com/edgeflare/platewatch/pkg/httputil"
	mw "github.com/edgeflare/platewatch/pkg/httputil/middleware"
	"github.com/edgeflare/platewatch/pkg/listener"
	"github.com/edgeflare/platewatch/pkg/mqtt"
	"github.com/edgeflare/platewatch/pkg/nats"
	"github.com/edgeflare/platewatch/pkg/plate"
	"github.com/edgeflare/platewatch/pkg/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Ingest plate sightings and serve them over HTTP",
	Long: `Subscribes to the plates topic, stores every well-formed sighting and serves
the newest ones on / (HTML) and /api/plates (JSON).`,
	RunE: runServe,
}

func init() {
	d := config.Default()
	f := serveCmd.Flags()
	f.String("store.driver", d.Store.Driver, "event store backend (sqlite, postgres)")
	f.String("store.dsn", d.Store.DSN, "sqlite file or PostgreSQL connection string")
	f.String("source", d.Source, "event source (mqtt, nats)")
	f.String("mqtt.broker", d.MQTT.Broker, "MQTT broker URL")
	f.String("mqtt.topic", d.MQTT.Topic, "MQTT topic to subscribe to")
	f.Int("mqtt.connectRetries", d.MQTT.ConnectRetries, "connection retries before giving up")
	f.String("nats.url", "", "NATS server URL")
	f.String("nats.subject", d.NATS.Subject, "NATS subject to subscribe to")
	f.StringP("http.listenAddr", "l", d.HTTP.ListenAddr, "HTTP listen address")
	addMetricsFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	src, topic, err := newSource()
	if err != nil {
		return err
	}
	l := listener.New(src, s, listener.Options{
		Logger:         logger,
		Topic:          topic,
		SourceName:     cfg.Source,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		ConnectRetries: cfg.MQTT.ConnectRetries,
	})

	routerOpts := []httputil.RouterOptions{httputil.WithLogger(logger)}
	if cfg.HTTP.TLSCertFile != "" {
		routerOpts = append(routerOpts, httputil.WithTLS(cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile))
	}
	router := httputil.NewRouter(routerOpts...)
	router.Use(
		mw.RequestID,
		mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger.With(zap.String("component", "http"))}),
		mw.CORSWithOptions(corsOptions(cfg.HTTP.CORSOrigins)),
	)
	api.New(s, api.Options{
		Logger:        logger,
		ListenerState: func() string { return l.State().String() },
	}).Register(router)

	var wg sync.WaitGroup
	startMetrics(ctx, &wg)
	defer wg.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := l.Run(gctx)
		var connErr *plate.ConnectionError
		if errors.As(err, &connErr) {
			logger.Error("event source unreachable", zap.String("addr", connErr.Addr), zap.Int("attempts", connErr.Attempts), zap.Error(connErr.Err))
		}
		return err
	})
	g.Go(func() error {
		return router.ListenAndServe(cfg.HTTP.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return router.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stop()
	if err != nil {
		return err
	}
	logger.Info("server gracefully stopped")
	return nil
}

// newSource builds the configured event source and the topic to follow.
func newSource() (listener.Source, string, error) {
	switch cfg.Source {
	case config.SourceNATS:
		src := nats.New(cfg.NATS, logger)
		return src, src.Subject(), nil
	default:
		src, err := mqtt.NewClient(cfg.MQTT, logger)
		if err != nil {
			return nil, "", fmt.Errorf("invalid mqtt config: %w", err)
		}
		return src, cfg.MQTT.Topic, nil
	}
}

func corsOptions(origins []string) *mw.CORSOptions {
	if len(origins) == 0 {
		return &mw.CORSOptions{}
	}
	return &mw.CORSOptions{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Accept", mw.RequestIDHeader},
		MaxAge:         10 * time.Minute,
	}
}
