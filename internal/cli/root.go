package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/app"
	"github.com/buildtall-systems/ordersaga/internal/config"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "ordersaga",
	Short:         "Order fulfilment saga",
	Long:          `ordersaga runs the order, inventory, payment, delivery and notification services of an e-commerce saga and administers their data.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./ordersaga.yaml)")
	rootCmd.PersistentFlags().String("db", "", "database path")
	rootCmd.PersistentFlags().String("log-level", "", "log level")
	bindFlags()
}

func bindFlags() {
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() error {
	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("ordersaga")
		v.AddConfigPath(".")
	}
	config.Init(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// env is what every command needs: configuration, a logger and a migrated database.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *db.DB
}

func setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Log, cfg.Otel)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, err
	}

	return &env{cfg: cfg, logger: logger, db: database}, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
	_ = e.db.Close()
}

// offline builds the services without a bus. Events they produce stay in
// the outbox until a running process relays them.
func (e *env) offline() (*app.App, error) {
	return app.New(app.Options{Config: e.cfg, DB: e.db, Logger: e.logger})
}

// withApp runs fn against an offline app and cleans up afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	a, err := e.offline()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), a)
}
