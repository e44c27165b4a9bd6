package main

import (
	"context"
	"sync"

	"github.com/edgeflare/platewatch/pkg/config"
	"github.com/edgeflare/platewatch/pkg/httputil"
	mw "github.com/edgeflare/platewatch/pkg/httputil/middleware"
	"github.com/edgeflare/platewatch/pkg/scanner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var scannerCmd = &cobra.Command{
	Use:   "scanner",
	Short: "Run the demo plate scanner",
	Long:  `Serves GET /get_plate, which answers "<plate>,<timestamp>" with a random demo plate.`,
	RunE:  runScanner,
}

func init() {
	d := config.Default()
	f := scannerCmd.Flags()
	f.StringP("scanner.listenAddr", "l", d.Scanner.ListenAddr, "HTTP listen address")
	f.StringSlice("scanner.plates", nil, "plates to pick from (default demo set)")
	addMetricsFlags(scannerCmd)

	rootCmd.AddCommand(scannerCmd)
}

func runScanner(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	router := httputil.NewRouter(httputil.WithLogger(logger))
	router.Use(
		mw.RequestID,
		mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger.With(zap.String("component", "http"))}),
	)
	scanner.New(scanner.Options{Plates: cfg.Scanner.Plates}).Register(router)

	var wg sync.WaitGroup
	startMetrics(ctx, &wg)
	defer wg.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.ListenAndServe(cfg.Scanner.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return router.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	stop()
	return err
}
