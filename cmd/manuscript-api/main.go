package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/config"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/database"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/events"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/server"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/users"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "manuscript-api",
		Short: "Manuscript collaboration and sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("auth-issuer", defaults.GetString("auth.issuer"), "Session token issuer")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	flags.String("database-driver", defaults.GetString("database.driver"), "Relational driver (sqlite, mysql)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Relational DSN or SQLite path")
	flags.String("documents-backend", defaults.GetString("documents.backend"), "Document state backend (sql, redis, memory)")
	flags.String("redis-url", "", "Redis URL for the redis documents backend")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers for document update events")
	flags.String("kafka-topic", defaults.GetString("kafka.topic"), "Kafka topic for document update events")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("server-version", defaults.GetString("version.server"), "Server semver reported by the health endpoint")
	flags.Int("protocol-version", 0, "Sync protocol version override")
	flags.String("min-client-version", defaults.GetString("version.min_client"), "Oldest client semver admitted")
	flags.Int("session-idle-timeout-seconds", defaults.GetInt("sync.session_idle_timeout_seconds"), "Idle sync sessions are closed after this many seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "documents.backend", "documents-backend")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "kafka.topic", "kafka-topic")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "version.server", "server-version")
	bindFlag(cmd, "version.protocol", "protocol-version")
	bindFlag(cmd, "version.min_client", "min-client-version")
	bindFlag(cmd, "sync.session_idle_timeout_seconds", "session-idle-timeout-seconds")
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

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
		project  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			var grant auth.Grant
			if project != "" {
				scope, err := auth.ParseProjectKey(project)
				if err != nil {
					return err
				}
				grant = auth.LegacyGrant{Project: scope}
			}
			token, expiresIn, err := issuer.IssueSessionToken(auth.SessionSubject{UserID: userID, Username: username}, grant)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Subject user id")
	cmd.Flags().StringVar(&username, "username", "", "Username claim")
	cmd.Flags().StringVar(&project, "project", "", "Scope the token to owner/slug")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, closeStore, err := openDocumentBackend(appConfig, db)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	documentService, err := documents.NewService(documents.ServiceConfig{
		KV:     store,
		Engine: crdt.NewLogEngine(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	collabService, err := collab.NewService(collab.ServiceConfig{
		Database:  db,
		Directory: userService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	snapshotService, err := snapshots.NewService(snapshots.ServiceConfig{
		Database: db,
		Capturer: documentService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	gate := version.NewGate(version.GateConfig{
		ServerVersion:    appConfig.ServerVersion,
		ProtocolVersion:  appConfig.ProtocolVersion,
		MinClientVersion: appConfig.MinClientVersion,
	})

	publisher, err := openPublisher(appConfig, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	syncGateway, err := gateway.New(gateway.Config{
		Tokens:         validator,
		Identities:     userService,
		Access:         collabService,
		Documents:      documentService,
		Gate:           gate,
		Publisher:      publisher,
		IdleTimeout:    appConfig.SessionIdleTimeout,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	collabService.RegisterObserver(syncGateway)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       validator,
		Identities:     userService,
		Projects:       collabService,
		Snapshots:      snapshotService,
		Gate:           gate,
		Sync:           syncGateway.Handle,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("documents_backend", appConfig.DocumentsBackend),
			zap.String("server_version", gate.HealthInfo().Version),
			zap.Int("protocol_version", gate.HealthInfo().ProtocolVersion))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		// hijacked websocket connections are not tracked by Shutdown
		syncGateway.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		syncGateway.Close()
		return err
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openDocumentBackend selects the key-value backend for document state once at startup.
func openDocumentBackend(appConfig config.AppConfig, db *gorm.DB) (kvstore.Store, io.Closer, error) {
	switch appConfig.DocumentsBackend {
	case kvstore.BackendRedis:
		store, err := kvstore.NewRedisStore(appConfig.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case kvstore.BackendMemory:
		return kvstore.NewMemoryStore(), nopCloser{}, nil
	default:
		store, err := kvstore.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	}
}

func openPublisher(appConfig config.AppConfig, logger *zap.Logger) (events.Publisher, error) {
	if len(appConfig.KafkaBrokers) == 0 {
		return events.NopPublisher{}, nil
	}
	producer, err := events.NewSaramaProducer(appConfig.KafkaBrokers)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	logger.Info("publishing document updates", zap.Strings("brokers", appConfig.KafkaBrokers), zap.String("topic", appConfig.KafkaTopic))
	return events.NewKafkaPublisher(producer, appConfig.KafkaTopic, events.KafkaOptions{Logger: logger}), nil
}
