package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/hivegate/internal/logging"
	"github.com/ppiankov/hivegate/internal/metrics"
	"github.com/ppiankov/hivegate/internal/server"
)

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "gRPC listen address (overrides listen_addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: "Runs the gateway gRPC service, the confirmation and escrow sweeper,\n" +
		"merkle batch sealing and the Prometheus metrics endpoint.\n" +
		"The policy document is hot-reloaded when it changes on disk or on SIGHUP.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, closeStores, err := buildGateway(ctx, cfg, logger, rec)
	if err != nil {
		return err
	}
	defer func() { _ = closeStores() }()

	srv := server.New(gw, server.Config{ListenAddr: cfg.ListenAddr, PolicyPath: cfg.PolicyPath}, logger.Named("server"), rec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		srv.GracefulStop()
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(gw.Run(gctx, cfg.SweepInterval, cfg.BatchInterval))
	})

	reloader, err := server.NewReloader(srv.ReloadPolicy, []string{cfg.PolicyPath}, logger.Named("reload"))
	if err != nil {
		logger.Warn("hot-reload disabled", zap.Error(err))
	} else {
		g.Go(func() error { return reloader.Run(gctx) })
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := srv.ReloadPolicy(); err != nil {
					logger.Error("policy reload on SIGHUP failed", zap.Error(err))
				}
			}
		}
	})

	if cfg.MetricsAddr != "" {
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	head, _ := gw.Receipts().Head()
	logger.Info("hivegate started",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("policy", cfg.PolicyPath),
		zap.String("verification_mode", string(gw.Verifier().Mode())),
		zap.Uint64("receipt_head", head))

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
