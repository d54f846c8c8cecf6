package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildtall-systems/ordersaga/internal/app"
	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/observability"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the saga services",
	Long:  `Start the configured services. Consumes events from the bus, relays the outbox and runs the delivery scheduler until interrupted.`,
	RunE:  runServices,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServices(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	// the logger is rebuilt once the log SDK is up so the bridge has a provider
	shutdown, err := observability.Setup(ctx, e.cfg.Otel, version)
	if err != nil {
		e.logger.Error("⚠️ OpenTelemetry setup failed, continuing without export", zap.Error(err))
	}
	if shutdown != nil {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				e.logger.Error("❌ OpenTelemetry shutdown failed", zap.Error(err))
			}
		}()
	}
	if logger, err := observability.NewLogger(e.cfg.Log, e.cfg.Otel); err == nil {
		e.logger = logger
		zap.ReplaceGlobals(logger)
	}

	log := e.logger
	log.Info("ordersaga starting",
		zap.String("version", version),
		zap.String("database", e.cfg.Database.Path),
		zap.String("bus", e.cfg.Bus.Driver),
		zap.Strings("services", e.cfg.Services))

	opts := app.Options{Config: e.cfg, DB: e.db, Logger: log}
	switch e.cfg.Bus.Driver {
	case "kafka":
		kcfg := bus.KafkaConfig{
			Brokers:       e.cfg.Kafka.Brokers,
			ClientID:      e.cfg.Otel.ServiceName,
			BatchTimeout:  e.cfg.Kafka.BatchTimeout,
			Readers:       e.cfg.Kafka.Readers,
			MaxDeliveries: e.cfg.Kafka.MaxDeliveries,
		}
		pub, err := bus.NewKafkaPublisher(kcfg, otel.GetTracerProvider())
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		opts.Publisher = pub
		opts.Subscriber = bus.NewKafkaSubscriber(kcfg, pub, log)
		log.Info("connecting to Kafka", zap.Strings("brokers", kcfg.Brokers))
	default:
		mem := bus.NewMemoryBus(e.cfg.Bus.Partitions)
		opts.Publisher = mem
		opts.Subscriber = mem
	}

	a, err := app.New(opts)
	if err != nil {
		return err
	}

	if _, err := a.Seed(ctx); err != nil {
		return fmt.Errorf("seeding inventory: %w", err)
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info("shutting down...")
	return nil
}
