package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/api"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/cache"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/clock"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/config"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/datasource"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/forecast"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/model"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/server"
)

const appName = "forecast-server"

func main() {
	var (
		configPath  string
		envFile     string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to YAML configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Env file loaded before reading configuration (ignored if absent)")
	flag.IntVar(&port, "port", 0, "HTTP port (overrides configuration when set)")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")

	klog.InitFlags(nil)
	flag.Parse()

	if showVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		os.Exit(1)
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	klog.InfoS("Starting registration forecaster",
		"version", version.Info(),
		"build", version.BuildContext(),
		"port", cfg.Server.Port,
		"remoteEnabled", cfg.DataAPI.RemoteEnabled(),
		"horizon", cfg.Forecast.Horizon)

	prometheus.MustRegister(versioncollector.NewCollector("registration_forecaster"))

	snapshot, err := datasource.NewSnapshotStore(cfg.Snapshot)
	if err != nil {
		klog.ErrorS(err, "Failed to open snapshot store")
		os.Exit(1)
	}
	defer snapshot.Close()

	clk := clock.RealClock{}
	sourceOpts := []datasource.Option{datasource.WithRefresh(cfg.Snapshot.Refresh)}
	if cfg.DataAPI.RemoteEnabled() {
		client := api.NewClient(cfg.DataAPI, api.WithClock(clk))
		sourceOpts = append(sourceOpts, datasource.WithRemote(client, cfg.DataAPI.Timeout))
	} else {
		klog.InfoS("No registrations API configured, serving from snapshot only")
	}
	source := datasource.NewFallbackSource(snapshot, sourceOpts...)

	service := forecast.NewService(
		source,
		model.FileLoader{Path: cfg.Model.Path},
		forecast.NewEngine(clk, forecast.WithHistoryWeeks(cfg.Forecast.HistoryWeeks)),
		cache.New(clk, cfg.Cache.Path),
		cfg.Forecast.Horizon,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(service, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		klog.InfoS("Received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			klog.ErrorS(err, "HTTP server error")
			snapshot.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Error during HTTP server shutdown")
	}
	klog.InfoS("Registration forecaster stopped")
	klog.Flush()
}
