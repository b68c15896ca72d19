// toolcat is a one-shot inspector: it bridges every discovered page, syncs
// the tool catalog, and prints it to stdout as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgnsrekt/webmcp_agent/internal/bridge"
	"github.com/dgnsrekt/webmcp_agent/internal/config"
	"github.com/dgnsrekt/webmcp_agent/internal/controller"
	"github.com/dgnsrekt/webmcp_agent/internal/hub"
	"github.com/dgnsrekt/webmcp_agent/internal/pages"
)

func main() {
	pattern := flag.String("pattern", "", "glob filter (* and ?) on tool id or name")
	timeout := flag.Duration("timeout", 30*time.Second, "total time budget")
	verbose := flag.Bool("v", false, "debug logging to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cdpClient := bridge.NewCDPClient(cfg.CDPURL())
	if err := cdpClient.Connect(ctx); err != nil {
		fatal("connect to CDP", err)
	}
	defer cdpClient.Close()

	opts := bridge.Options{
		ReadyTimeout:   time.Duration(cfg.ReadyTimeoutMS) * time.Millisecond,
		NavSettleDelay: time.Duration(cfg.NavSettleMS) * time.Millisecond,
		EvalTimeout:    time.Duration(cfg.EvalTimeoutMS) * time.Millisecond,
	}
	toolHub := hub.New(func(page hub.PageInfo, cb bridge.Callbacks) hub.PageTransport {
		return bridge.NewTransport(page.TargetID, cdpClient, opts, cb)
	}, nil)

	watcher := pages.NewWatcher(cfg.CDPURL(), cfg.TabURLFilter, toolHub.RemovePage)
	if err := watcher.Connect(ctx); err != nil {
		fatal("connect page watcher", err)
	}
	defer watcher.Close()

	svc := controller.NewService(toolHub, watcher, nil, nil)
	connected, failed, err := svc.ConnectAll(ctx)
	if err != nil {
		fatal("connect pages", err)
	}
	for idx, msg := range failed {
		slog.Warn("page skipped", "page_index", idx, "reason", msg)
	}

	tools, err := svc.ListTools(ctx, *pattern, -1, true)
	if err != nil {
		fatal("list tools", err)
	}

	out := struct {
		ConnectedPages []int                `json:"connected_pages"`
		Tools          []hub.RegisteredTool `json:"tools"`
	}{ConnectedPages: connected, Tools: tools}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal("encode output", err)
	}
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "toolcat: %s: %v\n", msg, err)
	os.Exit(1)
}
