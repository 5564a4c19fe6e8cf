// Command airhived is the Airhive machine gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Air-hive/Airhive-firmware-v2/internal/api"
	"github.com/Air-hive/Airhive-firmware-v2/internal/config"
	"github.com/Air-hive/Airhive-firmware-v2/internal/discovery"
	"github.com/Air-hive/Airhive-firmware-v2/internal/discovery/mdns"
	"github.com/Air-hive/Airhive-firmware-v2/internal/link"
	"github.com/Air-hive/Airhive-firmware-v2/internal/logging"
	"github.com/Air-hive/Airhive-firmware-v2/internal/machine"
	"github.com/Air-hive/Airhive-firmware-v2/internal/models"
	natsclient "github.com/Air-hive/Airhive-firmware-v2/internal/nats"
	"github.com/Air-hive/Airhive-firmware-v2/internal/server"
	"github.com/Air-hive/Airhive-firmware-v2/internal/storage"
	"github.com/Air-hive/Airhive-firmware-v2/internal/tracing"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		flags      config.Gateway
	)
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:           "airhived",
		Short:         "HTTP gateway for an Airhive fabrication machine",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)
			if debug {
				cfg.LogLevel = logging.LevelDebug
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := logging.New(cfg.LogLevel, debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	f.BoolVar(&debug, "debug", false, "Enable debug logging")
	f.StringVar(&flags.HTTPAddr, "http-addr", defaults.HTTPAddr, "HTTP gateway listen address")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address")
	f.StringVar(&flags.GRPCAddr, "grpc-addr", defaults.GRPCAddr, "gRPC health listen address")
	f.StringVar(&flags.DBPath, "db", defaults.DBPath, "Badger DB path")
	f.StringVar(&flags.NATSURL, "nats-url", "", "NATS URL for machine events (disabled when empty)")
	f.BoolVar(&flags.Trace, "trace", false, "Write request traces to stdout")
	f.StringVar(&flags.Discovery.Name, "name", defaults.Discovery.Name, "Advertised instance name")
	f.BoolVar(&flags.Discovery.Disabled, "no-discovery", false, "Do not advertise over mDNS")
	f.StringVar(&flags.Link.SerialPort, "serial-port", "", "Serial device of the machine (simulated when empty)")
	f.IntVar(&flags.Link.BaudRate, "baud", defaults.Link.BaudRate, "Initial baud rate when none was persisted")
	f.DurationVar(&flags.Link.AckTimeout, "ack-timeout", defaults.Link.AckTimeout, "Per-command acknowledgement timeout")
	return cmd
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Gateway, flags config.Gateway) {
	set := cmd.Flags().Changed
	if set("http-addr") {
		cfg.HTTPAddr = flags.HTTPAddr
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if set("grpc-addr") {
		cfg.GRPCAddr = flags.GRPCAddr
	}
	if set("db") {
		cfg.DBPath = flags.DBPath
	}
	if set("nats-url") {
		cfg.NATSURL = flags.NATSURL
	}
	if set("trace") {
		cfg.Trace = flags.Trace
	}
	if set("name") {
		cfg.Discovery.Name = flags.Discovery.Name
	}
	if set("no-discovery") {
		cfg.Discovery.Disabled = flags.Discovery.Disabled
	}
	if set("serial-port") {
		cfg.Link.SerialPort = flags.Link.SerialPort
	}
	if set("baud") {
		cfg.Link.BaudRate = flags.Link.BaudRate
	}
	if set("ack-timeout") {
		cfg.Link.AckTimeout = flags.Link.AckTimeout
	}
}

func run(ctx context.Context, cfg config.Gateway, logger *zap.Logger) error {
	instance := uuid.NewString()
	logger = logger.With(zap.String("instance", instance))

	shutdownTracing, err := tracing.Setup(cfg.Trace, os.Stdout, instance)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces.", zap.Error(err))
		}
	}()

	store, err := storage.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer store.Close()

	settings, err := restoreSettings(ctx, store, cfg.Link.BaudRate, logger)
	if err != nil {
		return err
	}

	var lnk link.Link
	if cfg.Link.SerialPort != "" {
		lnk = link.NewSerial(link.SerialConfig{
			Port:          cfg.Link.SerialPort,
			BaudRate:      settings.BaudRate,
			AckTimeout:    cfg.Link.AckTimeout,
			TxBufferBytes: cfg.Link.TxBufferBytes,
		}, logger)
	} else {
		logger.Info("No serial port configured, using the simulated machine.")
		sim := link.NewSim(logger, cfg.Link.TxBufferBytes)
		sim.Reconfigure(settings.BaudRate)
		lnk = sim
	}

	ctrl := machine.New(lnk, logger, machine.WithSettings(settings), machine.WithStore(store))
	metrics := api.NewMetrics()

	opts := []api.Option{api.WithInstance(instance)}
	if cfg.NATSURL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer pub.Close()
		opts = append(opts, api.WithPublisher(pub))
	}

	srv := server.New(server.Config{
		HTTPAddr:    cfg.HTTPAddr,
		MetricsAddr: cfg.MetricsAddr,
		GRPCAddr:    cfg.GRPCAddr,
	}, api.NewHTTPHandler(ctrl, metrics, logger, opts...), metrics, lnk, logger)

	if !cfg.Discovery.Disabled {
		transport := mdns.New(logger)
		srv.SetAdvertiser(func(port int) server.Runner {
			return discovery.NewAdvertiser(transport, discovery.ServiceRecord{
				Name: cfg.Discovery.Name,
				Type: cfg.Discovery.ServiceType,
				Port: port,
			}, logger)
		})
	}

	return srv.Run(ctx)
}

// restoreSettings returns the last persisted settings, or the configured
// baud rate when nothing was ever applied.
func restoreSettings(ctx context.Context, store storage.Store, baudRate int, logger *zap.Logger) (models.Settings, error) {
	settings, err := store.LoadSettings(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return models.Settings{BaudRate: baudRate}, nil
	case err != nil:
		return models.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	logger.Info("Restored machine settings.", zap.Int("baud_rate", settings.BaudRate))
	return settings, nil
}
