package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/bos/pkg/api"
	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/config"
	"github.com/cuemby/bos/pkg/events"
	"github.com/cuemby/bos/pkg/health"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
	"github.com/cuemby/bos/pkg/operator"
	"github.com/cuemby/bos/pkg/options"
	"github.com/cuemby/bos/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bos",
	Short: "BOS - Boot Orchestration Service",
	Long: `BOS drives fleets of compute nodes between declared boot states.

Session templates describe desired boot artifacts and target node groups;
sessions activate a template against a filtered node set, and a bank of
reconciliation operators converges every node's observed state toward its
declared one.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"BOS version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides BOS_LOG_LEVEL")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(operatorsCmd)
	rootCmd.AddCommand(applyCmd)
}

// loadConfig reads the environment and applies CLI overrides, then
// initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

// openStore connects the configured backend and runs startup migration.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var store storage.Store
	var err error

	switch cfg.StoreBackend {
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		store, err = storage.NewBoltStore(cfg.DataDir)
	case "redis":
		store, err = storage.NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want bolt or redis)", cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := storage.Migrate(ctx, store); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	if err := options.EnsureExists(ctx, store); err != nil {
		store.Close()
		return nil, fmt.Errorf("seeding options: %w", err)
	}
	return store, nil
}

func buildEnv(store storage.Store, cfg *config.Config) (*operator.Env, *events.Broker) {
	broker := events.NewBroker()
	broker.Start()

	set := clients.NewSet(clients.Endpoints{
		PCS:         cfg.PCSEndpoint,
		HSM:         cfg.HSMEndpoint,
		BSS:         cfg.BSSEndpoint,
		IMS:         cfg.IMSEndpoint,
		ObjectStore: cfg.ObjectStoreEndpoint,
		CFS:         cfg.CFSEndpoint,
		TAPMS:       cfg.TAPMSEndpoint,
	}, 0)

	return operator.NewEnv(store, options.NewProvider(store), broker, set), broker
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and all reconciliation operators in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		env, broker := buildEnv(store, cfg)
		defer broker.Stop()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(api.Config{
			Store:    store,
			Options:  env.Options,
			IMS:      env.IMS,
			Checkers: serviceCheckers(cfg),
			Version:  Version,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Serve(ctx, cfg.ListenAddr())
		}()

		runner := operator.NewRunner(env, cfg.LivenessFile, operator.All(env)...)
		runner.Run(ctx)

		return <-errCh
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run only the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		env, broker := buildEnv(store, cfg)
		defer broker.Stop()

		server := api.NewServer(api.Config{
			Store:    store,
			Options:  env.Options,
			IMS:      env.IMS,
			Checkers: serviceCheckers(cfg),
			Version:  Version,
		})
		return server.Serve(ctx, cfg.ListenAddr())
	},
}

var operatorsCmd = &cobra.Command{
	Use:   "operators",
	Short: "Run only the reconciliation operators",
	Long: `Run the reconciliation operators without the API server.

By default all operators start; --only restricts the set, e.g.
  bos operators --only status,power_on`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		env, broker := buildEnv(store, cfg)
		defer broker.Stop()

		selected := operator.All(env)
		if only, _ := cmd.Flags().GetString("only"); only != "" {
			wanted := map[string]bool{}
			for _, name := range strings.Split(only, ",") {
				wanted[strings.TrimSpace(name)] = true
			}
			var filtered []operator.Operator
			for _, op := range selected {
				if wanted[op.Name()] {
					filtered = append(filtered, op)
				}
			}
			if len(filtered) == 0 {
				return fmt.Errorf("no operators match --only=%s", only)
			}
			selected = filtered
		}

		runner := operator.NewRunner(env, cfg.LivenessFile, selected...)
		runner.Run(ctx)
		return nil
	},
}

func init() {
	operatorsCmd.Flags().String("only", "", "Comma-separated operator names to run (default: all)")
}

// serviceCheckers probes the mandatory external services for readiness.
func serviceCheckers(cfg *config.Config) []health.Checker {
	return []health.Checker{
		health.NewHTTPChecker("pcs", cfg.PCSEndpoint+"/health"),
		health.NewHTTPChecker("hsm", cfg.HSMEndpoint+"/service/ready"),
		health.NewHTTPChecker("bss", cfg.BSSEndpoint+"/healthz"),
	}
}
