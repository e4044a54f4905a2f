// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"audit-ledger-service/config"
	"audit-ledger-service/internal/domain"
	"audit-ledger-service/internal/handler"
	"audit-ledger-service/internal/infra"
	"audit-ledger-service/internal/repository"
	"audit-ledger-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// トレース情報付きロガーを設定
	logger := infra.SetupLogger(os.Stdout, cfg)

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// DB初期化
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := infra.NewDB(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		return err
	}
	if !infra.UsesSQLMigrations(cfg.DatabaseDriver) {
		if err := repository.AutoMigrate(db); err != nil {
			return err
		}
	}

	// KMSクライアント初期化（KMS_KEY_NAME未設定時は鍵材料を二重暗号化しない）
	var kmsClient usecase.KMSClient
	if cfg.KMSKeyName != "" {
		c, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := c.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		kmsClient = c
	} else {
		slog.Warn("KMS_KEY_NAME is not set, certificate keys are protected by credential only")
	}

	catalog, err := infra.LoadActionCatalog(cfg.ActionMapPath)
	if err != nil {
		return err
	}

	// DI
	entries := repository.NewAuditEntryRepository(db)
	algorithms := usecase.DefaultAlgorithms()
	ledger := usecase.NewLedgerService(entries, infra.NewLogAlerter(logger), usecase.LedgerOptions{
		MaxRetries:     cfg.AppendMaxRetries,
		RetryBaseDelay: cfg.AppendRetryBaseDelay,
		MaxPageSize:    cfg.QueryMaxPageSize,
	})
	certs := usecase.NewCertificateService(repository.NewCertificateRepository(db), kmsClient, algorithms, usecase.CertificateOptions{
		Validity:         cfg.CertificateValidity,
		DefaultAlgorithm: domain.Algorithm(cfg.DefaultSignatureAlgorithm),
		KeyWrap: usecase.KeyWrapParams{
			Time:      cfg.Argon2Time,
			MemoryKiB: cfg.Argon2MemoryKiB,
			Threads:   cfg.Argon2Threads,
		},
	})
	signatures := usecase.NewSignatureService(repository.NewSignatureRepository(db), entries, certs, algorithms, nil)
	gateway := usecase.NewAuditGateway(ledger, signatures, catalog)

	router := handler.NewRouter(
		handler.NewAuditHandler(gateway, ledger),
		handler.NewSignatureHandler(gateway, signatures),
		handler.NewCertificateHandler(certs, cfg.AdminRoles),
		cfg,
	)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"driver", cfg.DatabaseDriver,
		"version", config.Version,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
