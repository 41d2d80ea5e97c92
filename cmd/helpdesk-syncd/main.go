package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ticketwell/helpdesk/backend/internal/cache"
	"github.com/ticketwell/helpdesk/backend/internal/config"
	"github.com/ticketwell/helpdesk/backend/internal/database"
	"github.com/ticketwell/helpdesk/backend/internal/identity"
	"github.com/ticketwell/helpdesk/backend/internal/logging"
	"github.com/ticketwell/helpdesk/backend/internal/reconcile"
	"github.com/ticketwell/helpdesk/backend/internal/server"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"github.com/ticketwell/helpdesk/backend/internal/syncer"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "helpdesk-syncd",
		Short: "Helpdesk tenant sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-dsn", defaults.GetString("store.dsn"), "Remote store Postgres DSN")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Local cache SQLite path")
	cmd.PersistentFlags().Int("resync-minutes", defaults.GetInt("sync.resync_minutes"), "Resync interval in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.dsn", "store-dsn")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "sync.resync_minutes", "resync-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	storeDB, err := database.OpenStore(appConfig.RemoteDSN, logger)
	if err != nil {
		return err
	}

	cacheDB, err := database.OpenCache(appConfig.CachePath, logger)
	if err != nil {
		return err
	}
	sqlCacheDB, err := cacheDB.DB()
	if err != nil {
		return err
	}
	defer sqlCacheDB.Close()

	storeClient, err := store.NewClient(store.ClientConfig{
		Database: storeDB,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tenantCache, err := cache.New(cache.CacheConfig{
		Database: cacheDB,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := reconcile.NewService(reconcile.ServiceConfig{
		Store:        storeClient,
		MaxAttempts:  appConfig.ReconcileMaxAttempts,
		InitialDelay: appConfig.ReconcileInitialDelay,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := syncer.New(syncer.Config{
		Store:            storeClient,
		Cache:            tenantCache,
		Reconciler:       reconciler,
		ResyncInterval:   appConfig.ResyncInterval,
		CheckInterval:    appConfig.ResyncCheckInterval,
		FeedMaxAttempts:  appConfig.FeedMaxAttempts,
		FeedInitialDelay: appConfig.FeedInitialDelay,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	validator, err := identity.NewSessionValidator(identity.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:    validator,
		Orchestrator: orchestrator,
		Cache:        tenantCache,
		Reconciler:   reconciler,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		orchestrator.Deactivate(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
