package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/parkpoints/internal/httpapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store"
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagLockProvider      = "lock"
	flagRedisAddr         = "redis-addr"
	flagEventProvider     = "events"
	flagNATSURL           = "nats-url"
	flagKafkaBrokers      = "kafka-brokers"
	flagKafkaTopic        = "kafka-topic"
	flagRetryAttempts     = "retry-attempts"
	flagRetryInterval     = "retry-interval"
	flagPurgeBatchSize    = "purge-batch-size"
	flagStartingPoints    = "starting-points"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagRequestTimeout    = "request-timeout"
	envPrefix             = "PARKPOINTS"
	defaultDatabaseURL    = "sqlite:///tmp/parkpoints.db"
	defaultGRPCListenAddr = ":7000"
	defaultHTTPListenAddr = ":8080"
	storeDriverGorm       = "gorm"
	storeDriverPgx        = "pgx"
	lockProviderLocal     = "local"
	lockProviderRedis     = "redis"
	lockProviderNone      = "none"
	eventProviderNone     = "none"
	eventProviderNATS     = "nats"
	eventProviderKafka    = "kafka"
)

type runtimeConfig struct {
	DatabaseURL    string
	StoreDriver    string
	GRPCListenAddr string
	LockProvider   string
	RedisAddr      string
	EventProvider  string
	NATSURL        string
	KafkaBrokers   []string
	KafkaTopic     string
	RetryAttempts  int
	RetryInterval  time.Duration
	PurgeBatchSize int
	HTTP           httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "parkpointsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "parkpointsd",
		Short:         "Park Points booking ledger (HTTP and gRPC)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// connection string")
	cmd.Flags().String(flagStoreDriver, storeDriverGorm, "store backend: gorm or pgx (pgx needs postgres)")
	cmd.Flags().String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	cmd.Flags().String(flagLockProvider, lockProviderLocal, "resource locks: local, redis or none")
	cmd.Flags().String(flagRedisAddr, "localhost:6379", "Redis address for the redis lock provider")
	cmd.Flags().String(flagEventProvider, eventProviderNone, "domain events: none, nats or kafka")
	cmd.Flags().String(flagNATSURL, "nats://localhost:4222", "NATS server URL")
	cmd.Flags().String(flagKafkaBrokers, "localhost:9092", "comma-separated Kafka brokers")
	cmd.Flags().String(flagKafkaTopic, "parkpoints.events", "Kafka topic for domain events")
	cmd.Flags().Int(flagRetryAttempts, 3, "transaction attempts on serialization conflicts")
	cmd.Flags().Duration(flagRetryInterval, 25*time.Millisecond, "pause between transaction attempts")
	cmd.Flags().Int(flagPurgeBatchSize, 100, "records per page when purging an account")
	cmd.Flags().Int64(flagStartingPoints, 100, "points granted to newly opened accounts")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request ledger timeout (e.g. 5s)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagStoreDriver, flagHTTPListenAddr, flagGRPCListenAddr,
		flagLockProvider, flagRedisAddr, flagEventProvider, flagNATSURL, flagKafkaBrokers, flagKafkaTopic,
		flagRetryAttempts, flagRetryInterval, flagPurgeBatchSize, flagStartingPoints,
		flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagRequestTimeout,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.StoreDriver = strings.ToLower(v.GetString(flagStoreDriver))
	cfg.GRPCListenAddr = v.GetString(flagGRPCListenAddr)
	cfg.LockProvider = strings.ToLower(v.GetString(flagLockProvider))
	cfg.RedisAddr = v.GetString(flagRedisAddr)
	cfg.EventProvider = strings.ToLower(v.GetString(flagEventProvider))
	cfg.NATSURL = v.GetString(flagNATSURL)
	cfg.KafkaBrokers = splitCommaList(v.GetString(flagKafkaBrokers))
	cfg.KafkaTopic = v.GetString(flagKafkaTopic)
	cfg.RetryAttempts = v.GetInt(flagRetryAttempts)
	cfg.RetryInterval = v.GetDuration(flagRetryInterval)
	cfg.PurgeBatchSize = v.GetInt(flagPurgeBatchSize)
	cfg.HTTP = httpapi.Config{
		ListenAddr:        v.GetString(flagHTTPListenAddr),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     v.GetString(flagJWTIssuer),
		SessionCookieName: v.GetString(flagJWTCookieName),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		StartingPoints:    v.GetInt64(flagStartingPoints),
	}
	return cfg.validate()
}

func (cfg *runtimeConfig) validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database url is required")
	}
	if strings.TrimSpace(cfg.GRPCListenAddr) == "" {
		return fmt.Errorf("grpc listen addr is required")
	}
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPgx:
	default:
		return fmt.Errorf("unsupported store %q", cfg.StoreDriver)
	}
	switch cfg.LockProvider {
	case lockProviderLocal, lockProviderNone:
	case lockProviderRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("redis addr is required for the redis lock provider")
		}
	default:
		return fmt.Errorf("unsupported lock provider %q", cfg.LockProvider)
	}
	switch cfg.EventProvider {
	case eventProviderNone:
	case eventProviderNATS:
		if strings.TrimSpace(cfg.NATSURL) == "" {
			return fmt.Errorf("nats url is required for the nats event provider")
		}
	case eventProviderKafka:
		if len(cfg.KafkaBrokers) == 0 || strings.TrimSpace(cfg.KafkaTopic) == "" {
			return fmt.Errorf("kafka brokers and topic are required for the kafka event provider")
		}
	default:
		return fmt.Errorf("unsupported event provider %q", cfg.EventProvider)
	}
	return cfg.HTTP.Validate()
}

func splitCommaList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}
