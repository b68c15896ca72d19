package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/webmcp_agent/internal/api"
	"github.com/dgnsrekt/webmcp_agent/internal/audit"
	"github.com/dgnsrekt/webmcp_agent/internal/bridge"
	"github.com/dgnsrekt/webmcp_agent/internal/browser"
	"github.com/dgnsrekt/webmcp_agent/internal/config"
	"github.com/dgnsrekt/webmcp_agent/internal/controller"
	"github.com/dgnsrekt/webmcp_agent/internal/hub"
	"github.com/dgnsrekt/webmcp_agent/internal/netutil"
	"github.com/dgnsrekt/webmcp_agent/internal/notify"
	"github.com/dgnsrekt/webmcp_agent/internal/pages"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("controller config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"tab_url_filter", cfg.TabURLFilter,
		"ready_timeout_ms", cfg.ReadyTimeoutMS,
		"nav_settle_ms", cfg.NavSettleMS,
		"log_level", cfg.LogLevel,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.BrowserStartURL,
			ProfileDir: cfg.BrowserProfileDir,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	cdpClient := bridge.NewCDPClient(cfg.CDPURL())
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to CDP", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer cdpClient.Close()

	opts := bridge.Options{
		ReadyTimeout:   time.Duration(cfg.ReadyTimeoutMS) * time.Millisecond,
		NavSettleDelay: time.Duration(cfg.NavSettleMS) * time.Millisecond,
		EvalTimeout:    time.Duration(cfg.EvalTimeoutMS) * time.Millisecond,
	}
	factory := func(page hub.PageInfo, cb bridge.Callbacks) hub.PageTransport {
		return bridge.NewTransport(page.TargetID, cdpClient, opts, cb)
	}

	broker := hub.NewBroker()
	toolHub := hub.New(factory, broker)

	watcher := pages.NewWatcher(cfg.CDPURL(), cfg.TabURLFilter, toolHub.RemovePage)
	if err := watcher.Connect(context.Background()); err != nil {
		slog.Error("failed to connect page watcher", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	var recorder *audit.Recorder
	if cfg.AuditDir != "" {
		recorder = audit.NewRecorder(cfg.AuditDir, cfg.AuditMaxSizeMB)
		defer recorder.Close()
	}

	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()
	if cfg.NotifyEndpoint != "" {
		notifier := notify.New(cfg.NotifyEndpoint, nil, broker)
		go notifier.Run(notifyCtx)
	}

	svc := controller.NewService(toolHub, watcher, broker, recorder)
	h := api.NewServer(svc)

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("controller listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("controller server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("controller shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
