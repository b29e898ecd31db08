package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/nooterra-labs/settld/pkg/api"
	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/billing"
	"github.com/nooterra-labs/settld/pkg/config"
	"github.com/nooterra-labs/settld/pkg/dispute"
	"github.com/nooterra-labs/settld/pkg/gate"
	"github.com/nooterra-labs/settld/pkg/identity"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/ledger"
	"github.com/nooterra-labs/settld/pkg/observability"
	"github.com/nooterra-labs/settld/pkg/opsworker"
	"github.com/nooterra-labs/settld/pkg/rails"
	"github.com/nooterra-labs/settld/pkg/store"
)

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	var profile *config.Profile
	if path := os.Getenv("SETTLD_PROFILE"); path != "" {
		p, err := config.LoadProfile(path)
		if err != nil {
			logger.Error("profile load failed", "error", err)
			return 1
		}
		p.Apply(cfg)
		profile = p
		logger.Info("profile applied", "name", p.Name)
	}

	// Store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			return 1
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("postgres ping failed", "error", err)
			return 1
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("migrate failed", "error", err)
			return 1
		}
		st = pg
		logger.Info("postgres connected")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	reg := kernel.NewRegistry()
	identity.RegisterReducers(reg)
	ledger.RegisterReducers(reg)
	gate.RegisterReducers(reg)
	dispute.RegisterReducers(reg)
	rails.RegisterReducers(reg)
	billing.RegisterReducers(reg)
	k := kernel.New(st, reg)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url invalid", "error", err)
			return 1
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		k.WithMemoCache(store.NewMemoCache(rdb, 24*time.Hour))
		logger.Info("redis memo cache enabled")
	}

	id := identity.NewService(k)
	k.WithKeyLookup(id.KeyLookup())
	gates := gate.NewService(k, id)
	led := ledger.NewService(k)
	railSvc := rails.NewService(k)
	disputes := dispute.NewService(k, gates)

	var billingSvc *billing.Service
	if cfg.BillingWebhookSecret != "" {
		billingSvc = billing.NewService(k, []byte(cfg.BillingWebhookSecret), cfg.BillingPlans)
	} else {
		logger.Warn("BILLING_WEBHOOK_SECRET not set, billing ingest disabled")
	}

	var wallets *gate.WalletIssuer
	if cfg.SignerKeyFile != "" {
		priv, err := loadOrGenerateWalletKey(cfg.SignerKeyFile)
		if err != nil {
			logger.Error("wallet issuer key load failed", "error", err)
			return 1
		}
		wallets = gate.NewWalletIssuer("settld", priv, 15*time.Minute)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "settld",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	server := api.NewServer(api.Deps{
		Store:    st,
		Identity: id,
		Gates:    gates,
		Ledger:   led,
		Rails:    railSvc,
		Disputes: disputes,
		Billing:  billingSvc,
		Wallets:  wallets,
		Auth:     buildAuth(cfg, profile),
	}).WithRateLimiter(api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst))

	tenants := []string{store.DefaultTenant}
	providers := []string{"stripe"}
	if profile != nil {
		for _, t := range profile.Tenants {
			if t.TenantID != store.DefaultTenant {
				tenants = append(tenants, t.TenantID)
			}
		}
		if len(profile.RailProviders) > 0 {
			providers = profile.RailProviders
		}
	}

	runner := opsworker.NewRunner(st).
		WithInterval(cfg.WorkerInterval).
		Add(
			opsworker.NewRetentionWorker(st, tenants).WithDryRun(cfg.RetentionDryRun),
			opsworker.NewDeliveryScanWorker(st, tenants),
		)
	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		return 1
	}
	for _, tenant := range tenants {
		runner.Add(
			opsworker.NewMonthCloseWorker(led, st, tenant).WithObjectStore(objects),
			opsworker.NewDisputeWindowWorker(disputes, tenant),
			opsworker.NewReconcileWorker(railSvc, tenant, providers),
		)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go runner.Run(runCtx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}

// buildObjectStore picks the artifact blob backend: S3 or GCS when a
// bucket is configured, the local filesystem otherwise.
func buildObjectStore(ctx context.Context, cfg *config.Config) (artifacts.ObjectStore, error) {
	if bucket := os.Getenv("ARTIFACT_S3_BUCKET"); bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return artifacts.NewS3Store(s3.NewFromConfig(awsCfg), bucket), nil
	}
	if bucket := os.Getenv("ARTIFACT_GCS_BUCKET"); bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return artifacts.NewGCSStore(client, bucket), nil
	}
	return artifacts.NewFileStore(cfg.ArtifactDir)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildAuth folds env credentials and profile tenants into the auth config.
// Env keys are "keyId:secret[:tenantId]".
func buildAuth(cfg *config.Config, profile *config.Profile) *api.AuthConfig {
	auth := &api.AuthConfig{
		Keys:      map[string]api.APIKey{},
		OpsTokens: cfg.OpsTokens,
	}
	for _, raw := range cfg.APIKeys {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 {
			continue
		}
		key := api.APIKey{Secret: parts[1], TenantID: store.DefaultTenant}
		if len(parts) == 3 && parts[2] != "" {
			key.TenantID = parts[2]
		}
		auth.Keys[parts[0]] = key
	}
	if profile != nil {
		for _, t := range profile.Tenants {
			auth.Keys[t.KeyID] = api.APIKey{Secret: t.Secret, TenantID: t.TenantID}
		}
	}
	return auth
}

// loadOrGenerateWalletKey reads a hex-encoded Ed25519 seed, generating and
// persisting one when the file does not exist yet.
func loadOrGenerateWalletKey(path string) (ed25519.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid key seed in %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key seed in %s has %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("persist key seed: %w", err)
	}
	slog.Warn("generated new wallet issuer key", "path", path)
	return priv, nil
}
