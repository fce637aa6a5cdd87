package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillforge/quill/internal/access"
	"github.com/quillforge/quill/internal/auth"
	"github.com/quillforge/quill/internal/config"
	"github.com/quillforge/quill/internal/database"
	"github.com/quillforge/quill/internal/docstore"
	"github.com/quillforge/quill/internal/logging"
	"github.com/quillforge/quill/internal/persist"
	"github.com/quillforge/quill/internal/presence"
	"github.com/quillforge/quill/internal/server"
	"github.com/quillforge/quill/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quill-collab",
		Short: "Quill realtime document collaboration server",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins admitted at handshake time (empty allows all)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("flush-debounce-ms", defaults.GetInt("flush.debounce_ms"), "Snapshot flush debounce in milliseconds")
	cmd.PersistentFlags().Int("presence-sweep-seconds", defaults.GetInt("presence.sweep_seconds"), "Awareness sweep interval in seconds")
	cmd.PersistentFlags().Int("presence-idle-seconds", defaults.GetInt("presence.idle_seconds"), "Awareness idle threshold in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "flush.debounce_ms", "flush-debounce-ms")
	bindFlag(cmd, "presence.sweep_seconds", "presence-sweep-seconds")
	bindFlag(cmd, "presence.idle_seconds", "presence-idle-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	if err != nil {
		return err
	}

	aclSource, err := persist.NewACLSource(db)
	if err != nil {
		return err
	}
	resolver, err := access.NewResolver(aclSource)
	if err != nil {
		return err
	}

	gateway, err := persist.NewGateway(persist.GatewayConfig{
		Database: db,
		Debounce: appConfig.FlushDebounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	store, err := docstore.NewStore(docstore.StoreConfig{
		Gateway: gateway,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	presenceManager := presence.NewManager(presence.ManagerConfig{Logger: logger})

	sessionManager, err := session.NewManager(session.Dependencies{
		Verifier: verifier,
		Resolver: resolver,
		Store:    store,
		Presence: presenceManager,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Resolver:       resolver,
		Sessions:       sessionManager,
		Presence:       presenceManager,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go presenceManager.RunSweeper(signalCtx, appConfig.PresenceSweep, appConfig.PresenceIdle)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collaboration server starting", zap.String("address", appConfig.HTTPAddress))
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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if drainErr := gateway.Close(shutdownCtx); drainErr != nil {
			logger.Warn("flush drain on shutdown failed", zap.Error(drainErr))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
