// Package pages discovers browser pages over CDP and tracks their lifetime.
// It assigns each page a stable index for the duration of the run; indexes
// are never reused, so tool identifiers derived from them stay unambiguous.
package pages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/webmcp_agent/internal/hub"
)

// Watcher enumerates page targets and reports closures.
type Watcher struct {
	cdpURL    string
	urlFilter string
	onClosed  func(pageIndex int)

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	mu        sync.Mutex
	byTarget  map[target.ID]int
	byIndex   map[int]hub.PageInfo
	nextIndex int
}

// NewWatcher creates a watcher for the given CDP endpoint. onClosed is
// invoked whenever a tracked page target is destroyed; it may be nil.
func NewWatcher(cdpURL, urlFilter string, onClosed func(pageIndex int)) *Watcher {
	return &Watcher{
		cdpURL:    cdpURL,
		urlFilter: strings.ToLower(strings.TrimSpace(urlFilter)),
		onClosed:  onClosed,
		byTarget:  make(map[target.ID]int),
		byIndex:   make(map[int]hub.PageInfo),
	}
}

// Connect attaches to the browser, enables target discovery, and performs an
// initial enumeration.
func (w *Watcher) Connect(ctx context.Context) error {
	slog.Info("pages connecting to browser", "cdp_url", w.cdpURL)

	w.allocCtx, w.allocCancel = chromedp.NewRemoteAllocator(context.Background(), w.cdpURL)
	w.browserCtx, w.browserStop = chromedp.NewContext(w.allocCtx)

	if err := chromedp.Run(w.browserCtx); err != nil {
		w.Close()
		return fmt.Errorf("connect to browser: %w", err)
	}

	chromedp.ListenBrowser(w.browserCtx, w.onBrowserEvent)
	if err := chromedp.Run(w.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(ctx)
	})); err != nil {
		w.Close()
		return fmt.Errorf("enable target discovery: %w", err)
	}

	if _, err := w.Refresh(ctx); err != nil {
		w.Close()
		return err
	}
	return nil
}

// Refresh re-enumerates page targets, registering any new ones. Existing
// pages keep their index; pages that disappeared are dropped.
func (w *Watcher) Refresh(ctx context.Context) ([]hub.PageInfo, error) {
	_ = ctx
	targets, err := chromedp.Targets(w.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("enumerate targets: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	present := make(map[target.ID]bool, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !w.matchesURL(t.URL) {
			continue
		}
		present[t.TargetID] = true
		if idx, ok := w.byTarget[t.TargetID]; ok {
			info := w.byIndex[idx]
			info.URL = t.URL
			info.Title = t.Title
			w.byIndex[idx] = info
			continue
		}
		idx := w.nextIndex
		w.nextIndex++
		w.byTarget[t.TargetID] = idx
		w.byIndex[idx] = hub.PageInfo{
			Index:    idx,
			TargetID: string(t.TargetID),
			URL:      t.URL,
			Title:    t.Title,
		}
		slog.Info("pages discovered page", "page_index", idx, "url", truncateURL(t.URL))
	}

	for tid, idx := range w.byTarget {
		if !present[tid] {
			delete(w.byTarget, tid)
			delete(w.byIndex, idx)
		}
	}

	return w.listLocked(), nil
}

// List returns the currently tracked pages sorted by index.
func (w *Watcher) List() []hub.PageInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listLocked()
}

func (w *Watcher) listLocked() []hub.PageInfo {
	out := make([]hub.PageInfo, 0, len(w.byIndex))
	for i := 0; i < w.nextIndex; i++ {
		if info, ok := w.byIndex[i]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Lookup resolves a page index to its info.
func (w *Watcher) Lookup(pageIndex int) (hub.PageInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.byIndex[pageIndex]
	return info, ok
}

func (w *Watcher) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetDestroyed:
		w.mu.Lock()
		idx, ok := w.byTarget[e.TargetID]
		if ok {
			delete(w.byTarget, e.TargetID)
			delete(w.byIndex, idx)
		}
		w.mu.Unlock()
		if ok {
			slog.Info("pages page closed", "page_index", idx)
			if w.onClosed != nil {
				w.onClosed(idx)
			}
		}
	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		w.mu.Lock()
		if idx, ok := w.byTarget[e.TargetInfo.TargetID]; ok {
			info := w.byIndex[idx]
			info.URL = e.TargetInfo.URL
			info.Title = e.TargetInfo.Title
			w.byIndex[idx] = info
		}
		w.mu.Unlock()
	}
}

// Close releases the browser connection.
func (w *Watcher) Close() {
	if w.browserStop != nil {
		w.browserStop()
	}
	if w.allocCancel != nil {
		w.allocCancel()
	}
	slog.Info("pages watcher closed")
}

func (w *Watcher) matchesURL(url string) bool {
	if w.urlFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), w.urlFilter)
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
