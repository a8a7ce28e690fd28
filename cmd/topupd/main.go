package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/httpserver"
	"github.com/MarkoPoloResearchLab/topup/internal/payment"
	"github.com/MarkoPoloResearchLab/topup/internal/purchase"
	"github.com/MarkoPoloResearchLab/topup/internal/reconcile"
	"github.com/MarkoPoloResearchLab/topup/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/topup/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/topup/internal/vendor"
	"github.com/MarkoPoloResearchLab/topup/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL           = "database-url"
	flagListenAddr            = "listen-addr"
	flagAllowedOrigins        = "allowed-origins"
	flagJWTSigningKey         = "jwt-signing-key"
	flagVendorEndpoint        = "vendor-endpoint"
	flagVendorToken           = "vendor-token"
	flagVendorTimeout         = "vendor-timeout"
	flagPaymentTimeout        = "payment-timeout"
	flagPaystackSessionURL    = "paystack-session-url"
	flagPaystackSecret        = "paystack-secret"
	flagFlutterwaveSessionURL = "flutterwave-session-url"
	flagFlutterwaveSecret     = "flutterwave-secret"
	flagFlutterwaveVerifHash  = "flutterwave-verif-hash"
	envPrefix                 = "TOPUP"

	defaultDatabaseURL = "sqlite:///tmp/topup.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL           string
	ListenAddr            string
	AllowedOrigins        []string
	JWTSigningKey         string
	VendorEndpoint        string
	VendorToken           string
	VendorTimeout         time.Duration
	PaymentTimeout        time.Duration
	PaystackSessionURL    string
	PaystackSecret        string
	FlutterwaveSessionURL string
	FlutterwaveSecret     string
	FlutterwaveVerifHash  string
}

// dataStore is what both store implementations provide.
type dataStore interface {
	wallet.Store
	purchase.PackageFinder
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "topupd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "topupd",
		Short:         "Data bundle top-up service",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "JWT signing key for API authentication (required)")
	cmd.Flags().String(flagVendorEndpoint, "", "bundle vendor purchase endpoint (required)")
	cmd.Flags().String(flagVendorToken, "", "bundle vendor API token")
	cmd.Flags().Duration(flagVendorTimeout, 30*time.Second, "bundle vendor request timeout")
	cmd.Flags().Duration(flagPaymentTimeout, 30*time.Second, "payment gateway request timeout")
	cmd.Flags().String(flagPaystackSessionURL, "", "paystack transaction-initialize URL")
	cmd.Flags().String(flagPaystackSecret, "", "paystack secret key (sessions and webhook signatures)")
	cmd.Flags().String(flagFlutterwaveSessionURL, "", "flutterwave payment-initiate URL")
	cmd.Flags().String(flagFlutterwaveSecret, "", "flutterwave secret key for sessions")
	cmd.Flags().String(flagFlutterwaveVerifHash, "", "flutterwave webhook verif-hash value")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flagNames := []string{
		flagDatabaseURL, flagListenAddr, flagAllowedOrigins, flagJWTSigningKey,
		flagVendorEndpoint, flagVendorToken, flagVendorTimeout, flagPaymentTimeout,
		flagPaystackSessionURL, flagPaystackSecret,
		flagFlutterwaveSessionURL, flagFlutterwaveSecret, flagFlutterwaveVerifHash,
	}
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = parseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.VendorEndpoint = strings.TrimSpace(v.GetString(flagVendorEndpoint))
	cfg.VendorToken = v.GetString(flagVendorToken)
	cfg.VendorTimeout = v.GetDuration(flagVendorTimeout)
	cfg.PaymentTimeout = v.GetDuration(flagPaymentTimeout)
	cfg.PaystackSessionURL = strings.TrimSpace(v.GetString(flagPaystackSessionURL))
	cfg.PaystackSecret = v.GetString(flagPaystackSecret)
	cfg.FlutterwaveSessionURL = strings.TrimSpace(v.GetString(flagFlutterwaveSessionURL))
	cfg.FlutterwaveSecret = v.GetString(flagFlutterwaveSecret)
	cfg.FlutterwaveVerifHash = v.GetString(flagFlutterwaveVerifHash)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	if cfg.VendorEndpoint == "" {
		return fmt.Errorf("%s is required", flagVendorEndpoint)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := wallet.NewService(store, clock, wallet.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	vendorClient := vendor.NewClient(cfg.VendorEndpoint, cfg.VendorToken, cfg.VendorTimeout, store, clock, logger)

	gateways := map[string]payment.GatewayConfig{}
	if cfg.PaystackSessionURL != "" {
		gateways[payment.GatewayPaystack] = payment.GatewayConfig{
			SessionURL: cfg.PaystackSessionURL,
			Secret:     cfg.PaystackSecret,
		}
	}
	if cfg.FlutterwaveSessionURL != "" {
		gateways[payment.GatewayFlutterwave] = payment.GatewayConfig{
			SessionURL: cfg.FlutterwaveSessionURL,
			Secret:     cfg.FlutterwaveSecret,
		}
	}
	paymentClient := payment.NewClient(gateways, cfg.PaymentTimeout, logger)

	orchestrator, err := purchase.NewOrchestrator(ledger, store, vendorClient, paymentClient, logger)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	webhookSecrets := map[string]string{}
	if cfg.PaystackSecret != "" {
		webhookSecrets[payment.GatewayPaystack] = cfg.PaystackSecret
	}
	if cfg.FlutterwaveVerifHash != "" {
		webhookSecrets[payment.GatewayFlutterwave] = cfg.FlutterwaveVerifHash
	}
	reconciler, err := reconcile.NewReconciler(ledger, orchestrator, webhookSecrets, logger)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	server, err := httpserver.New(httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
	}, ledger, orchestrator, reconciler, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func openStore(ctx context.Context, dsn string) (dataStore, func() error, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	gormDB, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB.WithContext(ctx))
	if err := store.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store, sqlDB.Close, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "topup.db"
		}
	}
	return normalizeSQLitePath(path)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func parseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// zapOperationLogger adapts zap to the wallet operation log callback.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("reference", entry.Reference.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		adapter.logger.Warn("wallet operation", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("wallet operation", fields...)
}
