package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/config"
	"github.com/solidcrowd/crowdledger/internal/ledger"
	"github.com/solidcrowd/crowdledger/internal/metrics"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/notarization"
	"github.com/solidcrowd/crowdledger/internal/reconcile"
	"github.com/solidcrowd/crowdledger/internal/server"
	"github.com/solidcrowd/crowdledger/internal/settlement"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/internal/vault"
	"github.com/solidcrowd/crowdledger/internal/wallet"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application represents the main application
type Application struct {
	config         *config.Config
	logger         *logrus.Logger
	storage        storage.Storage
	vault          *vault.KeyVault
	settlement     settlement.Client
	auditTrail     *audit.Trail
	wallets        *wallet.Provisioner
	registry       *notarization.Registry
	ledger         *ledger.Ledger
	projects       *ledger.ProjectService
	reconciler     *reconcile.Reconciler
	metricsManager *metrics.Manager
	server         *server.HTTPServer
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	// Background work (reconciler, startup) audits under the system origin;
	// HTTP requests override it per request.
	ctx, cancel := context.WithCancel(audit.WithOrigin(context.Background(), "system"))

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeVault(); err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	if err := app.initializeSettlement(); err != nil {
		return fmt.Errorf("failed to initialize settlement client: %w", err)
	}

	app.initializeServices()

	if app.config.Reconcile.Enabled {
		app.initializeReconciler()
	}

	if err := app.initializeServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStorage initializes the storage layer
func (app *Application) initializeStorage() error {
	app.logger.Info("Initializing storage layer")

	store, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	if err := store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}

	app.storage = store
	app.logger.Info("Storage layer initialized successfully")
	return nil
}

// initializeVault initializes the key vault
func (app *Application) initializeVault() error {
	keyVault, err := vault.New(app.config.Vault.MasterSecret)
	if err != nil {
		return err
	}

	app.vault = keyVault
	return nil
}

// initializeSettlement initializes the settlement client
func (app *Application) initializeSettlement() error {
	client, err := settlement.NewClient(&app.config.Settlement)
	if err != nil {
		return err
	}

	app.settlement = client
	app.logger.WithField("mode", client.Mode()).Info("Settlement client initialized")
	return nil
}

// initializeServices wires the domain services on top of storage and the
// external clients
func (app *Application) initializeServices() {
	app.auditTrail = audit.NewTrail(app.storage)
	app.wallets = wallet.NewProvisioner(app.storage, app.settlement, app.vault, app.auditTrail)

	notarizationClient := notarization.NewClient(
		app.config.Notarization.BaseURL,
		app.config.Notarization.RequestTimeout,
	)
	app.registry = notarization.NewRegistry(app.storage, notarizationClient, app.auditTrail)

	app.ledger = ledger.New(app.storage, app.settlement, app.wallets, app.auditTrail, &ledger.Config{
		MinContribution:   app.config.Ledger.MinContribution,
		AnonymizationSalt: app.config.Ledger.AnonymizationSalt,
	})
	app.projects = ledger.NewProjectService(app.storage, app.wallets, app.registry, app.auditTrail)

	if app.config.Server.EnableMetrics {
		app.metricsManager = metrics.NewManager()
		app.ledger.SetMetricsManager(app.metricsManager)
	}
}

// initializeReconciler initializes the background reconciler
func (app *Application) initializeReconciler() {
	app.reconciler = reconcile.NewReconciler(app.storage, app.settlement, app.registry, app.auditTrail, &reconcile.Config{
		RunInterval:  app.config.Reconcile.RunInterval,
		VerifyWindow: app.config.Reconcile.VerifyWindow,
		BatchSize:    app.config.Reconcile.BatchSize,
	})
	if app.metricsManager != nil {
		app.reconciler.SetMetricsManager(app.metricsManager)
	}
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() error {
	app.logger.Info("Initializing HTTP server")

	serverCfg := &server.ServerConfig{
		Port:          app.config.Server.Port,
		Host:          app.config.Server.Host,
		ReadTimeout:   app.config.Server.ReadTimeout,
		WriteTimeout:  app.config.Server.WriteTimeout,
		EnableMetrics: app.config.Server.EnableMetrics,
		EnableHealth:  app.config.Server.EnableHealth,
	}

	httpServer, err := server.NewHTTPServer(
		serverCfg,
		app.storage,
		app.ledger,
		app.projects,
		app.wallets,
		app.registry,
		app.reconciler,
		app.settlement,
		app.auditTrail,
		app.metricsManager,
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	app.server = httpServer
	app.logger.Info("HTTP server initialized successfully")
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting crowdledger")

	if err := app.server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if app.reconciler != nil {
		if err := app.reconciler.Start(app.ctx); err != nil {
			return fmt.Errorf("failed to start reconciler: %w", err)
		}
	}

	app.logger.WithFields(logrus.Fields{
		"server_address":  fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"settlement_mode": app.settlement.Mode(),
		"storage_type":    app.config.Storage.Type,
	}).Info("crowdledger started successfully")

	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping crowdledger")

	app.cancel()

	// Stop components in reverse order
	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithField("error", err.Error()).Error("Failed to stop HTTP server")
		}
	}

	if app.reconciler != nil {
		if err := app.reconciler.Stop(); err != nil {
			app.logger.WithField("error", err.Error()).Error("Failed to stop reconciler")
		}
	}

	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithField("error", err.Error()).Error("Failed to close storage")
		}
	}

	app.logger.Info("crowdledger stopped successfully")
	return nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "crowdledger",
	Short:   "Crowdfunding settlement and notarization service",
	Long:    `A crowdfunding ledger that settles contributions over an external value-transfer network and anchors project validations on a notarization log.`,
	Version: AppVersion,
	RunE:    runServer,
}

// runServer is the main command to run the service
func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping application...")

	if err := app.Stop(); err != nil {
		return fmt.Errorf("failed to stop application: %w", err)
	}

	return nil
}

// loadConfig loads and validates the configuration
func loadConfig() (*config.Config, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	configPath := viper.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crowdledger %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Settlement mode: %s\n", cfg.Settlement.Mode)
		fmt.Printf("Notarization: %s\n", cfg.Notarization.BaseURL)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)

		return nil
	},
}

// reconcileCmd runs one reconciliation pass and exits
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		if app.reconciler == nil {
			app.initializeReconciler()
		}

		fmt.Println("Running reconciliation pass...")
		app.reconciler.RunOnce(audit.WithOrigin(context.Background(), "cli"))

		stats := app.reconciler.GetStats()
		fmt.Printf("Recovered transfers: %d\n", stats.TotalRecovered)
		fmt.Printf("Closed as failed: %d\n", stats.TotalClosedFailed)
		fmt.Printf("Topics created: %d\n", stats.TotalTopicsCreated)
		fmt.Printf("Messages mirrored: %d\n", stats.TotalMirrored)

		return nil
	},
}

// syncTopicsCmd mirrors remote notarization messages for all topics
var syncTopicsCmd = &cobra.Command{
	Use:   "sync-topics",
	Short: "Mirror remote notarization messages for all topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		results, err := app.registry.SyncAll(audit.WithOrigin(context.Background(), "cli"))
		if err != nil {
			return fmt.Errorf("topic sync failed: %w", err)
		}

		for _, result := range results {
			fmt.Printf("Topic %s: %d remote, %d newly mirrored\n",
				result.TopicRef, result.RemoteCount, result.NewlyMirrored)
		}
		fmt.Printf("Synced %d topics\n", len(results))

		return nil
	},
}

// createWalletsCmd provisions settlement wallets for all wallet-less owners
var createWalletsCmd = &cobra.Command{
	Use:   "create-wallets",
	Short: "Provision settlement wallets for projects and contributors that lack one",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		ctx := audit.WithOrigin(context.Background(), "cli")

		projects, err := app.storage.GetProjects(ctx, models.ProjectFilter{})
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		var provisioned int
		for _, project := range projects {
			if _, err := app.wallets.EnsureWallet(ctx, models.WalletOwnerProject, project.ID); err != nil {
				fmt.Printf("project %s: %v\n", project.ID, err)
				continue
			}
			provisioned++
		}

		contributions, err := app.storage.GetContributions(ctx, models.ContributionFilter{})
		if err != nil {
			return fmt.Errorf("failed to list contributions: %w", err)
		}
		seen := make(map[string]bool)
		for _, contribution := range contributions {
			if seen[contribution.ContributorID] {
				continue
			}
			seen[contribution.ContributorID] = true
			if _, err := app.wallets.EnsureWallet(ctx, models.WalletOwnerUser, contribution.ContributorID); err != nil {
				fmt.Printf("contributor %s: %v\n", contribution.ContributorID, err)
				continue
			}
			provisioned++
		}

		fmt.Printf("Ensured wallets for %d owners\n", provisioned)
		return nil
	},
}

// resetSimulatorCmd clears the simulated settlement state
var resetSimulatorCmd = &cobra.Command{
	Use:   "reset-simulator",
	Short: "Reset the simulated settlement network to an empty baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		simulated, ok := app.settlement.(*settlement.SimulatedClient)
		if !ok {
			return fmt.Errorf("settlement mode is %q, reset only applies to simulated", cfg.Settlement.Mode)
		}

		simulated.Reset()
		fmt.Println("Simulated settlement state reset")
		return nil
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(syncTopicsCmd)
	rootCmd.AddCommand(createWalletsCmd)
	rootCmd.AddCommand(resetSimulatorCmd)
	configCmd.AddCommand(validateConfigCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
