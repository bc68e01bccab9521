package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sgl-project/router/pkg/app"
	"github.com/sgl-project/router/pkg/logging"
	"github.com/sgl-project/router/pkg/routerconfig"
)

var (
	logLevel   string
	logDebug   bool
	cfgViper   = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "router",
	Short: "OpenAI-compatible request router for a fleet of inference engines",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logDebug, "log-debug", false, "force console-encoded debug logging")

	routerconfig.BindFlags(rootCmd, cfgViper)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// configError marks a startup failure as an argument/config problem
// (exit code 2) rather than a runtime fatal (exit code 1).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if _, ok := err.(*configError); ok {
		return 2
	}
	return 1
}

func run(cmd *cobra.Command, args []string) error {
	logLvl, err := logging.ParseLevel(logLevel)
	if err != nil {
		return &configError{err}
	}
	logger, err := logging.NewLogger(&logging.Config{Level: logLvl, Debug: logDebug})
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := routerconfig.Load(cfgViper)
	if err := cfg.Validate(); err != nil {
		return &configError{err}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	a, err := app.New(cfg, logger, reg)
	if err != nil {
		return &configError{err}
	}

	a.Server.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("starting router", zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("routing_logic", string(cfg.RoutingLogic)), zap.String("service_discovery", string(cfg.ServiceDiscovery)))
	return a.Run(ctx)
}
