package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"PRESENCE-backend/internal/attendance"
	"PRESENCE-backend/internal/audit"
	"PRESENCE-backend/internal/fraud"
	"PRESENCE-backend/internal/platform/auth"
	"PRESENCE-backend/internal/platform/db"
	"PRESENCE-backend/internal/platform/logs"
	"PRESENCE-backend/internal/platform/metrics"
	"PRESENCE-backend/internal/selfie"
	"PRESENCE-backend/internal/sessions"
	"PRESENCE-backend/internal/settings"
)

func main() {
	// 設定読み込み
	cfg, err := db.LoadConfig("config/config.yaml")
	if err != nil {
		panic(err)
	}

	// 動作モード取得
	mode := cfg.Mode
	if mode != "dev" && mode != "release" {
		fmt.Println("mode must be dev or release (config.yaml or PRESENCE_MODE)")
		os.Exit(2)
	}

	logger, err := logs.New(cfg.Log.Level, mode)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting", zap.String("mode", mode), zap.String("version", cfg.Version))

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret is empty (set PRESENCE_JWT_SECRET)")
	}

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer conn.Close()
	logger.Info("connected to DB", zap.String("db", cfg.DB.DBName))

	metrics.InitRegistry()

	// ---------- services ----------
	selfies, err := selfie.NewDiskStorage(cfg.Selfie.Dir)
	if err != nil {
		logger.Fatal("selfie storage", zap.Error(err))
	}

	settingsStore := settings.NewStore(conn)
	tunables := settings.NewProvider(
		settingsStore,
		settings.FromConfig(cfg.Checkin, cfg.IPCheck),
		cfg.Settings.CacheTTL,
		logger,
	)

	// 急移動の速度上限は check-in の location_max_speed_mps と共有
	detectorCfg := fraud.DefaultDetectorConfig()
	detectorCfg.SpeedLimit = fraud.SpeedLimitFrom(tunables)

	engine := fraud.NewEngine(
		fraud.NewStore(conn),
		fraud.DefaultDetectors(detectorCfg, selfies),
		fraud.DefaultPatternDetectors(),
		fraud.Options{
			Lookback:       cfg.Fraud.Lookback,
			Workers:        cfg.Fraud.Workers,
			AnalyzeTimeout: cfg.Fraud.AnalyzeTimeout,
		},
		logger,
	)

	checkin := attendance.NewService(
		attendance.NewStore(conn),
		tunables,
		audit.NewStore(conn),
		selfies,
		attendance.NewHTTPLocator(cfg.IPCheck.Timeout, cfg.IPCheck.RetryBackoff),
		logger,
	)
	checkin.SetIPFailClosed(cfg.IPCheck.FailClosed)
	checkin.SetObserver(engine)

	accounts := auth.NewService(auth.NewStore(conn), []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	classes := sessions.NewService(sessions.NewStore(conn), logger)

	// ---------- router ----------
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logs.RequestLogger(logger), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if mode == "dev" {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
			ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowCredentials: true,
		}))
		// API ドキュメント
		r.StaticFile("/openapi.yaml", "docs/openapi.yaml")
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/openapi.yaml")))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := conn.PingContext(ctx); err != nil {
			c.String(http.StatusServiceUnavailable, "db unavailable")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// /api/v2
	api := r.Group("/api/v2")
	auth.RegisterRoutes(api, accounts)

	secured := api.Group("", auth.RequireAuth([]byte(cfg.Auth.JWTSecret)))
	attendance.RegisterRoutes(secured, checkin)

	admin := secured.Group("", auth.RequireRole(auth.RoleAdmin))
	fraud.RegisterRoutes(admin, engine)
	auth.RegisterAdminRoutes(admin, accounts)
	sessions.RegisterRoutes(admin, classes)
	settings.RegisterRoutes(admin, tunables, settingsStore)

	// ---------- background ----------
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		fraud.NewScheduler(engine, cfg.Fraud.ScanInterval, cfg.Fraud.PatternInterval, logger).Start(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.Server.TLS {
			// TLS設定
			dir := "config/tls/dev"
			if mode == "release" {
				dir = "config/tls/release"
			}
			certFile := fmt.Sprintf("%s/%s", dir, cfg.Certificate.Cert)
			keyFile := fmt.Sprintf("%s/%s", dir, cfg.Certificate.Key)
			logger.Info("listening (https)", zap.String("addr", cfg.Server.Addr))
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			logger.Info("listening (http)", zap.String("addr", cfg.Server.Addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	<-workerDone
	// チェックイン直後の解析を待つ
	engine.Wait()
}
