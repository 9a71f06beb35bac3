package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaopang/mdgate/internal/api"
	"github.com/xiaopang/mdgate/internal/config"
	"github.com/xiaopang/mdgate/internal/core"
	"github.com/xiaopang/mdgate/internal/logger"
	"github.com/xiaopang/mdgate/internal/store"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		return
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.Infof("Config loaded from %s", *configPath)

	// 初始化存储
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		logger.Errorf("Failed to init database: %v", err)
		return
	}
	defer db.Close()
	logger.Infof("Database initialized at %s", cfg.Database.Path)

	// 初始化配额守卫
	guard := core.NewQuotaGuard(
		cfg.RateLimit.PerClient,
		cfg.RateLimit.Global,
		time.Duration(cfg.RateLimit.WindowHours)*time.Hour,
	)

	// 初始化抓取器与网关
	fetchTimeout := time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	fetcher := core.NewFetcher(fetchTimeout)
	gateway := core.NewGateway(&cfg.Upstream)
	blobs := api.NewBlobStore(cfg.Assets.BaseURL, fetchTimeout)

	if cfg.Upstream.APIToken == "" || cfg.Upstream.AccountID == "" {
		logger.Warn("no platform credential configured, managed chat path will be unavailable")
	}

	// 初始化处理器并设置路由
	handler := api.NewHandler(cfg, guard, fetcher, gateway, blobs, db)
	r := api.SetupRouter(cfg, handler)

	// 创建一个 context，监听 SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 日志保留期清理，每天一次
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := db.CleanOldLogs(cfg.Logging.RetentionDays); err != nil {
					logger.Warn("log cleanup failed", "error", err)
				} else if n > 0 {
					logger.Info("cleaned old request logs", "deleted", n)
				}
			}
		}
	}()

	// 使用 http.Server 以支持 Graceful Shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// 在 goroutine 中启动 HTTP server
	srvErr := make(chan error, 1)
	go func() {
		logger.Infof("mdgate starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// 等待信号或服务器错误
	select {
	case err := <-srvErr:
		if err != nil {
			logger.Errorf("Failed to start server: %v", err)
			return
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining connections...")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}
