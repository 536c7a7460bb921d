package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/backends"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/config"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/database"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/ingress"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/queue"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/server"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "watchstate",
		Short: "Media server watch-state webhook service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept webhook deliveries from the configured media servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, newServersCommand(), newQueueCommand(), newStateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Badger cache directory (empty keeps the cache in memory)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotating log file path")
	cmd.PersistentFlags().Bool("webhook-debug", defaults.GetBool("webhook.debug"), "Write raw webhook payloads to the debug path")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "webhook.debug", "webhook-debug")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openCache(path string) (cache.Store, error) {
	if path == "" {
		return cache.NewMemoryStore(), nil
	}
	return cache.OpenBadger(path)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := openCache(appConfig.CachePath)
	if err != nil {
		return err
	}
	defer store.Close()

	repository, err := state.NewRepository(state.RepositoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	pushQueue, err := queue.New(store)
	if err != nil {
		return err
	}
	engine, err := reconcile.NewEngine(reconcile.Config{Storage: repository, Queue: pushQueue, Logger: logger})
	if err != nil {
		return err
	}

	factory := backends.NewFactory(backends.Dependencies{
		Debug:  appConfig.WebhookDebug,
		Sink:   backends.NewPayloadSink(afero.NewOsFs(), filepath.Clean(appConfig.WebhookDebugPath), time.Now),
		Clock:  time.Now,
		Logger: logger,
	})
	resolver := ingress.NewResolver(appConfig.Servers, factory)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Resolver: resolver,
		Engine:   engine,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int("servers", len(appConfig.Servers)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
