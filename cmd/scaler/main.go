/*
Copyright 2025 The Placeholder Scaler Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/ahoma/placeholder-scaler/internal/cluster"
	"github.com/ahoma/placeholder-scaler/internal/config"
	"github.com/ahoma/placeholder-scaler/internal/demand"
	"github.com/ahoma/placeholder-scaler/internal/kube"
	"github.com/ahoma/placeholder-scaler/internal/reconciler"
	"github.com/ahoma/placeholder-scaler/internal/scaler"
	"github.com/ahoma/placeholder-scaler/internal/server"

	"github.com/ahoma/placeholder-scaler/internal/calendar"
	"github.com/ahoma/placeholder-scaler/pkg/logging"
	"github.com/ahoma/placeholder-scaler/pkg/metrics"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to the configuration file.")
		kubeconfig  = flag.String("kubeconfig", "", "Path to a kubeconfig file (out-of-cluster only).")
		bindAddr    = flag.String("bind-address", "", "Address for the health and metrics endpoints (overrides config).")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error; overrides config).")
		logFormat   = flag.String("log-format", "", "Log format (json, console; overrides config).")
		showVersion = flag.Bool("version", false, "Show version information and exit.")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("Placeholder Scaler\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		var configErr *config.Error
		if errors.As(err, &configErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if *kubeconfig != "" {
		cfg.Kubernetes.Kubeconfig = *kubeconfig
	}
	if *bindAddr != "" {
		cfg.Server.BindAddress = *bindAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	ctrl.SetLogger(logger.Logger)

	setupLog := logger.WithName("setup")
	setupLog.Info("Starting placeholder scaler",
		"version", version,
		"commit", commit,
		"buildDate", buildDate,
		"namespace", cfg.Scaler.Namespace,
		"pools", len(cfg.Pools),
		"calendar", cfg.Calendar.Source,
		"tick_interval", cfg.Scaler.TickInterval.String(),
		"refresh_interval", cfg.Calendar.RefreshInterval.String(),
	)

	clients, err := kube.NewClientManager(cfg.Kubernetes)
	if err != nil {
		setupLog.Error(err, "failed to create kubernetes clients")
		os.Exit(1)
	}

	collector := metrics.NewCollector()

	evaluator, err := demand.NewEvaluator(cfg.Pools)
	if err != nil {
		setupLog.Error(err, "failed to compile schedule rules")
		os.Exit(1)
	}

	fetcher := calendar.NewFetcher(
		cfg.Calendar.Source, cfg.Calendar.Horizon, cfg.Calendar.FetchTimeout, logger.Logger)

	poolReconciler := reconciler.NewPoolReconciler(
		clients.GetControllerClient(), cfg.Scaler.Namespace, cfg.Scaler.Placeholder,
		cfg.Scaler.WriteQPS, cfg.Scaler.WriteBurst)
	poolReconciler.Metrics = collector

	inspector := cluster.NewInspector(
		clients.GetKubernetesClient(), cfg.Scaler.NodePoolLabelKey, logger.Logger)

	loop := scaler.NewLoop(cfg, fetcher, evaluator, poolReconciler, inspector, collector, logger.Logger)

	health := server.NewHealthChecker(clients.GetKubernetesClient(), loop, cfg.Scaler.Namespace)
	httpServer := server.New(cfg.Server.BindAddress, health, server.NewMetricsServer(collector), logger.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		setupLog.Error(err, "scaler failed")
		cancel()
		os.Exit(1)
	case <-ctx.Done():
	}

	setupLog.Info("Scaler stopped")
}
