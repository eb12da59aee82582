// Package app はアプリケーションの起動モードと依存関係の配線を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/meishi/internal/auth"
	"github.com/hitoshi/meishi/internal/backend"
	"github.com/hitoshi/meishi/internal/config"
	"github.com/hitoshi/meishi/internal/database"
	"github.com/hitoshi/meishi/internal/handle"
	"github.com/hitoshi/meishi/internal/handler"
	"github.com/hitoshi/meishi/internal/lifecycle"
	"github.com/hitoshi/meishi/internal/logger"
	"github.com/hitoshi/meishi/internal/metrics"
	"github.com/hitoshi/meishi/internal/middleware"
	"github.com/hitoshi/meishi/internal/model"
	"github.com/hitoshi/meishi/internal/preview"
	"github.com/hitoshi/meishi/internal/profile"
	"github.com/hitoshi/meishi/internal/qr"
	"github.com/hitoshi/meishi/internal/reauth"
	"github.com/hitoshi/meishi/internal/repository"
	"github.com/hitoshi/meishi/internal/security"
	"github.com/hitoshi/meishi/internal/vcard"
	"github.com/hitoshi/meishi/internal/worker/cleanup"
	"github.com/hitoshi/meishi/internal/worker/probe"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// resumeInfoProxy はゲートとモニタの相互参照を解決する間接層。
// ゲートはモニタより先に構築されるため、モニタ構築後にセットする。
type resumeInfoProxy struct {
	monitor atomic.Pointer[lifecycle.Monitor]
}

func (p *resumeInfoProxy) LastHiddenDuration() *time.Duration {
	m := p.monitor.Load()
	if m == nil {
		return nil
	}
	return m.LastHiddenDuration()
}

var _ reauth.ResumeInfo = (*resumeInfoProxy)(nil)

// recoveryJournal はリポジトリをlifecycle.RecoveryJournalに適合させる。
type recoveryJournal struct {
	repo repository.RecoveryEventRepository
}

func (j recoveryJournal) Record(ctx context.Context, event *model.RecoveryEvent) error {
	return j.repo.Insert(ctx, event)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、セッション継続性サブシステムを含む全依存関係を
// ワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	credRepo := repository.NewPostgresCredentialRepo(db)
	sessionRepo := repository.NewPostgresStudioSessionRepo(db)
	scanRepo := repository.NewPostgresScanEventRepo(db)
	recoveryRepo := repository.NewPostgresRecoveryEventRepo(db)

	// 3. メトリクスの初期化
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	// 4. 接続ハンドルと継続性サブシステムの配線
	factory := backend.NewFactory(backend.Config{
		URL:     cfg.BackendURL,
		AnonKey: cfg.BackendAnonKey,
		Timeout: cfg.BackendTimeout,
	}, credRepo, slog.Default())
	registry := handle.NewRegistry(factory, slog.Default())
	registry.OnRecreated(func(_ *backend.Client) {
		collector.RecordRecreation("success")
	})

	resume := &resumeInfoProxy{}
	gate := reauth.NewGate(reauth.Config{
		GraceWindow:       cfg.GraceWindow,
		EscalationTimeout: cfg.EscalationTimeout,
		ReconnectPulse:    cfg.ReconnectPulse,
	}, resume, slog.Default())
	gate.SetObserver(func(phase reauth.Phase) {
		collector.SetGatePhase(phase.String())
	})

	// last-known-goodキャッシュの保持期間は猶予期間と揃える
	store := profile.NewStore(registry, gate, cfg.GraceWindow, slog.Default())

	monitor := lifecycle.NewMonitor(lifecycle.Config{
		DebounceWindow:  cfg.DebounceWindow,
		RecoveryTimeout: cfg.RecoveryTimeout,
	}, registry, gate, store, recoveryJournal{repo: recoveryRepo}, collector, slog.Default())
	resume.monitor.Store(monitor)

	// 5. ドメインサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	previewService := preview.NewService(ssrfGuard, slog.Default())
	profileService := profile.NewService(registry, store, sanitizer, previewService, slog.Default())
	authService := auth.NewService(registry, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge}, slog.Default())
	qrGenerator := qr.NewGenerator()
	vcardBuilder := vcard.NewBuilder()

	// 6. レート制限（configはreq/min単位、limiterはreq/sec単位）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.StudioRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.StudioBurst = cfg.RateLimitGeneral
	rateLimiterCfg.PublicRate = rate.Limit(float64(cfg.RateLimitPublic) / 60.0)
	rateLimiterCfg.PublicBurst = cfg.RateLimitPublic
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 7. ルーターの構築
	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger: slog.Default(),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		ProfileService: profileService,

		Monitor: monitor,
		Gate:    gate,

		PublicProfiles: profileService,
		QRGenerator:    qrGenerator,
		VCardBuilder:   vcardBuilder,
		ScanRecorder:   scanRepo,
		ScanMetrics:    collector,
		PublicBaseURL:  cfg.BaseURL,

		ScanStats: scanRepo,

		MetricsHandler: metrics.SetupMetricsRoute(promReg),
		HealthCheck:    db.Ping,
	}

	router := handler.NewRouter(deps)

	// 8. バックグラウンド処理の起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Start(ctx)

	if err := store.Start(ctx); err != nil {
		// 未ログインや一時的なバックエンド不通では起動を止めない
		slog.Warn("profile store initial load failed",
			slog.String("error", err.Error()),
		)
	}
	defer store.Close()

	prober := probe.NewProber(registry, monitor, collector, probe.Config{
		HealthyInterval: cfg.ProbeInterval,
		MaxBackoff:      cfg.ProbeMaxInterval,
	}, slog.Default())
	go prober.Run(ctx)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 保持期間を超過したアクセス記録・回復記録・期限切れセッションの
// 日次クリーンアップを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	scanRepo := repository.NewPostgresScanEventRepo(db)
	recoveryRepo := repository.NewPostgresRecoveryEventRepo(db)
	sessionRepo := repository.NewPostgresStudioSessionRepo(db)

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(scanRepo, recoveryRepo, sessionRepo, slog.Default())
	cleanupJob.ScanRetentionDays = cfg.ScanRetentionDays
	cleanupJob.RecoveryRetentionDays = cfg.RecoveryRetentionDays

	scheduler := cleanup.NewScheduler(cleanupJob, 24*time.Hour, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("scan_retention_days", cfg.ScanRetentionDays),
		slog.Int("recovery_retention_days", cfg.RecoveryRetentionDays),
	)

	// クリーンアップスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Run(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
