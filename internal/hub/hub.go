// Package hub maintains a process-wide catalog of tools registered by
// connected pages, under stable collision-free identifiers, and keeps it
// synchronized with page lifecycle (navigation, close, tool-list changes).
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/webmcp_agent/internal/bridge"
)

// JSON-RPC methods spoken with the in-page registry.
const (
	methodListTools       = "tools/list"
	methodCallTool        = "tools/call"
	notifyToolListChanged = "notifications/tools/list_changed"
)

// PageInfo identifies one browser page the hub can bridge to.
type PageInfo struct {
	Index    int    `json:"index"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

// ToolAnnotations carries capability hints declared by the tool.
type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	IdempotentHint  bool `json:"idempotentHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
}

// ToolDescriptor is one tool as reported by a page's registry.
type ToolDescriptor struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	InputSchema  json.RawMessage  `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage  `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
}

// RegisteredTool is the hub-level wrapper binding a descriptor to its page
// and its globally unique identifier.
type RegisteredTool struct {
	ToolID     string         `json:"tool_id"`
	PageIndex  int            `json:"page_index"`
	DomainTag  string         `json:"domain_tag"`
	Descriptor ToolDescriptor `json:"descriptor"`
}

// PageTransport is the slice of the bridge transport the hub drives.
// *bridge.Transport implements it; tests substitute fakes.
type PageTransport interface {
	Start(ctx context.Context) (bridge.StartResult, error)
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
	State() bridge.State
}

// TransportFactory creates a fresh transport for a page. The hub guarantees
// at most one non-closed transport per page.
type TransportFactory func(page PageInfo, cb bridge.Callbacks) PageTransport

type pageEntry struct {
	info      PageInfo
	domainTag string
	transport PageTransport
	// connecting guards the window between dropping the old transport and
	// storing the started one, so only one Connect runs per page at a time.
	connecting bool
	// originalName → toolID, so re-syncs keep identifiers stable.
	toolIDs map[string]string
}

// Hub is the process-wide tool catalog.
type Hub struct {
	factory TransportFactory
	broker  *Broker

	mu    sync.Mutex
	pages map[int]*pageEntry
	tools map[string]*RegisteredTool
}

// New creates an empty hub. Events are published to broker if non-nil.
func New(factory TransportFactory, broker *Broker) *Hub {
	return &Hub{
		factory: factory,
		broker:  broker,
		pages:   make(map[int]*pageEntry),
		tools:   make(map[string]*RegisteredTool),
	}
}

// Connect establishes (or re-establishes) a bridge to the page and syncs its
// tool list into the catalog.
func (h *Hub) Connect(ctx context.Context, page PageInfo) error {
	h.mu.Lock()
	entry, ok := h.pages[page.Index]
	if ok && entry.transport != nil && entry.transport.State() == bridge.StateReady {
		entry.info = page
		h.mu.Unlock()
		return h.SyncPage(ctx, page.Index)
	}
	if entry == nil {
		entry = &pageEntry{toolIDs: make(map[string]string)}
		h.pages[page.Index] = entry
	}
	if entry.connecting {
		h.mu.Unlock()
		return newHubError(bridge.CodeAlreadyStarting, "connect already in progress for this page")
	}
	entry.connecting = true
	entry.info = page
	entry.domainTag = DomainTag(page.URL)
	old := entry.transport
	entry.transport = nil
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		entry.connecting = false
		h.mu.Unlock()
	}()

	if old != nil {
		_ = old.Close()
	}

	transport := h.factory(page, bridge.Callbacks{
		OnClosed: func(reason string) {
			slog.Info("hub page bridge closed", "page_index", page.Index, "reason", reason)
			h.RemovePage(page.Index)
		},
		OnNotification: func(method string, _ json.RawMessage) {
			if method != notifyToolListChanged {
				return
			}
			go func() {
				syncCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := h.SyncPage(syncCtx, page.Index); err != nil {
					slog.Warn("hub resync after tools-changed failed", "page_index", page.Index, "error", err)
				}
			}()
		},
	})

	res, err := transport.Start(ctx)
	if err != nil {
		transport.Close()
		return err
	}
	slog.Info("hub page connected", "page_index", page.Index, "url", page.URL, "already_injected", res.AlreadyInjected)

	h.mu.Lock()
	cur := h.pages[page.Index]
	if cur == nil {
		// Page vanished while starting.
		h.mu.Unlock()
		transport.Close()
		return newHubError(bridge.CodePageGone, "page removed during connect")
	}
	if cur != entry {
		// Page was removed and re-added while starting; the newer bridge wins.
		h.mu.Unlock()
		transport.Close()
		return newHubError(bridge.CodePageGone, "page replaced during connect")
	}
	entry.transport = transport
	h.mu.Unlock()

	if err := h.SyncPage(ctx, page.Index); err != nil {
		return err
	}
	h.publish(Event{Kind: EventPageConnected, PageIndex: page.Index})
	return nil
}

// SyncPage fetches the page's current tool list and reconciles the catalog.
// Tools whose original name is unchanged keep their toolId, so in-flight
// controller references stay valid even when descriptions or schemas change.
func (h *Hub) SyncPage(ctx context.Context, pageIndex int) error {
	h.mu.Lock()
	entry, ok := h.pages[pageIndex]
	if !ok || entry.transport == nil {
		h.mu.Unlock()
		return newHubError(bridge.CodePageNotFound, "page not connected")
	}
	transport := entry.transport
	h.mu.Unlock()

	raw, err := transport.Call(ctx, methodListTools, nil)
	if err != nil {
		return err
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return newHubError(bridge.CodeEvalFailure, "invalid tools/list result: "+err.Error())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok = h.pages[pageIndex]
	if !ok {
		return newHubError(bridge.CodePageNotFound, "page removed during sync")
	}

	seen := make(map[string]bool, len(result.Tools))
	var ids []string
	for _, desc := range result.Tools {
		if desc.Name == "" {
			continue
		}
		seen[desc.Name] = true
		id, ok := entry.toolIDs[desc.Name]
		if !ok {
			id = ToolID(entry.domainTag, pageIndex, desc.Name)
			entry.toolIDs[desc.Name] = id
		}
		h.tools[id] = &RegisteredTool{
			ToolID:     id,
			PageIndex:  pageIndex,
			DomainTag:  entry.domainTag,
			Descriptor: desc,
		}
		ids = append(ids, id)
	}

	for name, id := range entry.toolIDs {
		if !seen[name] {
			delete(entry.toolIDs, name)
			delete(h.tools, id)
		}
	}

	slog.Debug("hub synced page tools", "page_index", pageIndex, "count", len(ids))
	h.publishLocked(Event{Kind: EventToolsChanged, PageIndex: pageIndex, ToolIDs: ids})
	return nil
}

// Call invokes a registered tool with flat arguments. A non-Ready backing
// transport gets a single reconnect attempt before the call fails.
func (h *Hub) Call(ctx context.Context, toolID string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}

	h.mu.Lock()
	tool, ok := h.tools[toolID]
	if !ok {
		h.mu.Unlock()
		return nil, newHubError(bridge.CodeToolNotFound, "unknown tool id: "+toolID)
	}
	entry := h.pages[tool.PageIndex]
	var transport PageTransport
	var info PageInfo
	if entry != nil {
		transport = entry.transport
		info = entry.info
	}
	name := tool.Descriptor.Name
	h.mu.Unlock()

	if entry == nil {
		return nil, newHubError(bridge.CodePageNotFound, "page for tool is gone")
	}

	if transport == nil || transport.State() != bridge.StateReady {
		slog.Info("hub reconnecting before call", "page_index", info.Index, "tool_id", toolID)
		if err := h.Connect(ctx, info); err != nil {
			return nil, newHubError(bridge.CodePageGone, "no tools available on this page (reconnect failed: "+err.Error()+")")
		}
		h.mu.Lock()
		if e := h.pages[info.Index]; e != nil {
			transport = e.transport
		}
		h.mu.Unlock()
		if transport == nil {
			return nil, newHubError(bridge.CodePageGone, "no tools available on this page")
		}
	}

	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{Name: name, Arguments: args}

	return transport.Call(ctx, methodCallTool, params)
}

// RemovePage drops every registered tool attributed to the page and closes
// its transport. Tools from other pages are untouched.
func (h *Hub) RemovePage(pageIndex int) {
	h.mu.Lock()
	entry, ok := h.pages[pageIndex]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pages, pageIndex)
	for _, id := range entry.toolIDs {
		delete(h.tools, id)
	}
	transport := entry.transport
	h.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	slog.Info("hub page removed", "page_index", pageIndex, "tools_removed", len(entry.toolIDs))
	h.publish(Event{Kind: EventPageDisconnected, PageIndex: pageIndex})
}

// Disconnect is an explicit page removal requested by the controller.
func (h *Hub) Disconnect(pageIndex int) error {
	h.mu.Lock()
	_, ok := h.pages[pageIndex]
	h.mu.Unlock()
	if !ok {
		return newHubError(bridge.CodePageNotFound, "page not connected")
	}
	h.RemovePage(pageIndex)
	return nil
}

// Tool looks up one catalog entry by its identifier.
func (h *Hub) Tool(toolID string) (RegisteredTool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tool, ok := h.tools[toolID]
	if !ok {
		return RegisteredTool{}, false
	}
	return *tool, true
}

// Pages returns the connected pages sorted by index.
func (h *Hub) Pages() []PageInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PageInfo, 0, len(h.pages))
	for _, entry := range h.pages {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Tools returns the catalog, optionally filtered by page index and by an
// anchored case-insensitive glob pattern (* and ?). Read-only: never mutates
// hub state.
func (h *Hub) Tools(pattern string, pageIndex int, allPages bool) ([]RegisteredTool, error) {
	var matcher *regexp.Regexp
	if pattern != "" && pattern != "*" {
		re, err := compileGlob(pattern)
		if err != nil {
			return nil, newHubError(bridge.CodeValidation, "invalid pattern: "+err.Error())
		}
		matcher = re
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RegisteredTool, 0, len(h.tools))
	for _, tool := range h.tools {
		if !allPages && tool.PageIndex != pageIndex {
			continue
		}
		if matcher != nil && !matcher.MatchString(tool.ToolID) && !matcher.MatchString(tool.Descriptor.Name) {
			continue
		}
		out = append(out, *tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}

// compileGlob translates a *,? glob into an anchored case-insensitive regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (h *Hub) publish(evt Event) {
	if h.broker != nil {
		h.broker.Publish(evt)
	}
}

// publishLocked publishes while h.mu is held; the broker has its own lock
// and never calls back into the hub.
func (h *Hub) publishLocked(evt Event) {
	h.publish(evt)
}

func newHubError(code, msg string) error {
	return &bridge.CodedError{Code: code, Message: msg}
}
