package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/auth"
	"github.com/Lewis-walter7/comm-sub001/internal/bus"
	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	"github.com/Lewis-walter7/comm-sub001/internal/config"
	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/database"
	"github.com/Lewis-walter7/comm-sub001/internal/dispatch"
	"github.com/Lewis-walter7/comm-sub001/internal/logging"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
	"github.com/Lewis-walter7/comm-sub001/internal/server"
	"github.com/Lewis-walter7/comm-sub001/internal/session"
	"github.com/Lewis-walter7/comm-sub001/internal/typing"
	"github.com/Lewis-walter7/comm-sub001/internal/updatelog"
	"github.com/Lewis-walter7/comm-sub001/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtime-engine",
		Short: "Realtime messaging, presence and document sync engine",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins allowed to connect")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotated log file path (stderr only when empty)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("typing-timeout", defaults.GetDuration("typing.timeout"), "Typing indicator expiry")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for multi-node fan-out")
	cmd.PersistentFlags().String("node-id", defaults.GetString("node.id"), "Node identifier on the relay channel")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "typing.timeout", "typing-timeout")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "node.id", "node-id")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, logging.FileConfig{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("node_id", appConfig.NodeID))

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var collector *metrics.Collector
	if appConfig.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
		QueryParam:    appConfig.QueryParam,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: chat.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var relay *bus.Relay
	if appConfig.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer client.Close()
		relay, err = bus.NewRelay(bus.RelayConfig{
			Client:  client,
			Channel: appConfig.RedisChannel,
			NodeID:  appConfig.NodeID,
			Logger:  logger,
			Metrics: collector,
		})
		if err != nil {
			return err
		}
	}

	registry := connections.NewRegistry(connections.RegistryConfig{
		SendBuffer: appConfig.SendBuffer,
		Logger:     logger,
		Metrics:    collector,
	})
	directory := rooms.NewDirectory(rooms.DirectoryConfig{
		Authorizer: chatService,
		Logger:     logger,
		Metrics:    collector,
	})
	dispatchConfig := dispatch.Config{
		Directory: directory,
		Registry:  registry,
		Logger:    logger,
		Metrics:   collector,
	}
	if relay != nil {
		dispatchConfig.Relay = relay
	}
	dispatcher, err := dispatch.NewDispatcher(dispatchConfig)
	if err != nil {
		return err
	}

	coordinator := typing.NewCoordinator(typing.CoordinatorConfig{
		Timeout: appConfig.TypingTimeout,
		Publish: dispatcher.TypingPublisher(),
		Logger:  logger,
	})

	presenceStore, err := presence.NewGormStore(presence.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	if relay == nil {
		reset, err := presenceStore.ResetAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("stale presence reset", zap.Int64("records", reset))
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Store:      presenceStore,
		Authorizer: chatService,
		Publish:    dispatcher.PresencePublisher(),
		Debounce:   appConfig.PresenceDebounce,
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		return err
	}

	registry.OnDisconnect(directory.DisconnectHook)
	registry.OnDisconnect(coordinator.ConnectionClosed)
	registry.OnDisconnect(tracker.DetachAll)

	updateStore, err := updatelog.NewGormStore(updatelog.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	updates, err := updatelog.New(updatelog.Config{
		Store:           updateStore,
		MaxPayloadBytes: appConfig.MaxUpdatePayload,
		Logger:          logger,
		Metrics:         collector,
	})
	if err != nil {
		return err
	}

	actions, err := dispatch.NewActions(dispatch.ActionsConfig{
		Dispatcher: dispatcher,
		Authorizer: chatService,
		Store:      chatService,
		Updates:    updates,
		Typing:     coordinator,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	realtime, err := session.NewHandler(session.HandlerConfig{
		Authenticator:   validator,
		Identities:      identities,
		Registry:        registry,
		Directory:       directory,
		Presence:        tracker,
		Typing:          coordinator,
		Actions:         actions,
		Conversations:   chatService,
		MaxMessageBytes: appConfig.MaxMessageBytes,
		PingInterval:    appConfig.PingInterval,
		PongWait:        appConfig.PongWait,
		CheckOrigin:     server.OriginChecker(appConfig.AllowedOrigins),
		Logger:          logger,
		Metrics:         collector,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Realtime:       realtime,
		Sessions:       validator,
		Identities:     identities,
		Presence:       tracker,
		Workspaces:     chatService,
		Health:         sqlDB.PingContext,
		Metrics:        collector,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if relay != nil {
		group.Go(func() error {
			return relay.Run(groupCtx, dispatcher.DeliverRemote)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		logger.Info("server stopping", zap.Int("connections", registry.Count()))
		err := httpServer.Shutdown(shutdownCtx)
		registry.CloseAll(shutdownCtx)
		return err
	})
	return group.Wait()
}
