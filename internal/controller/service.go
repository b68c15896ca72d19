// Package controller exposes the thin command layer consumed by the HTTP
// API: connect, list, call, disconnect, delegated to the tool hub.
package controller

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dgnsrekt/webmcp_agent/internal/audit"
	"github.com/dgnsrekt/webmcp_agent/internal/bridge"
	"github.com/dgnsrekt/webmcp_agent/internal/hub"
	"github.com/dgnsrekt/webmcp_agent/internal/pages"
)

// Service wraps hub and watcher behind controller-facing operations.
type Service struct {
	hub      *hub.Hub
	watcher  *pages.Watcher
	broker   *hub.Broker
	recorder *audit.Recorder // nil when auditing is disabled
}

func NewService(h *hub.Hub, w *pages.Watcher, broker *hub.Broker, recorder *audit.Recorder) *Service {
	return &Service{hub: h, watcher: w, broker: broker, recorder: recorder}
}

// Events returns the hub event broker for SSE streaming.
func (s *Service) Events() *hub.Broker { return s.broker }

// ListPages re-enumerates browser pages and returns them.
func (s *Service) ListPages(ctx context.Context) ([]hub.PageInfo, error) {
	infos, err := s.watcher.Refresh(ctx)
	if err != nil {
		return nil, &bridge.CodedError{Code: bridge.CodeCDPUnavailable, Message: "page enumeration failed", Cause: err}
	}
	return infos, nil
}

// Connect establishes a bridge to the page with the given index.
func (s *Service) Connect(ctx context.Context, pageIndex int) error {
	info, ok := s.watcher.Lookup(pageIndex)
	if !ok {
		// The page may have appeared since the last enumeration.
		if _, err := s.watcher.Refresh(ctx); err == nil {
			info, ok = s.watcher.Lookup(pageIndex)
		}
	}
	if !ok {
		return &bridge.CodedError{Code: bridge.CodePageNotFound, Message: "no page with that index"}
	}
	return s.hub.Connect(ctx, info)
}

// ConnectAll bridges every currently known page, skipping pages whose
// registry probe fails. One failing page never blocks the others.
func (s *Service) ConnectAll(ctx context.Context) (connected []int, failed map[int]string, err error) {
	infos, err := s.ListPages(ctx)
	if err != nil {
		return nil, nil, err
	}
	failed = make(map[int]string)
	for _, info := range infos {
		if cerr := s.hub.Connect(ctx, info); cerr != nil {
			failed[info.Index] = cerr.Error()
			continue
		}
		connected = append(connected, info.Index)
	}
	return connected, failed, nil
}

// Disconnect tears down the bridge to one page.
func (s *Service) Disconnect(_ context.Context, pageIndex int) error {
	return s.hub.Disconnect(pageIndex)
}

// ListTools queries the catalog. An empty pattern matches everything; when
// allPages is false, pageIndex scopes the result.
func (s *Service) ListTools(_ context.Context, pattern string, pageIndex int, allPages bool) ([]hub.RegisteredTool, error) {
	return s.hub.Tools(strings.TrimSpace(pattern), pageIndex, allPages)
}

// CallTool invokes a registered tool. Arguments must decode to a JSON
// object; anything else is rejected before any network round-trip.
func (s *Service) CallTool(ctx context.Context, toolID string, rawArgs json.RawMessage) (json.RawMessage, error) {
	toolID = strings.TrimSpace(toolID)
	if toolID == "" {
		return nil, &bridge.CodedError{Code: bridge.CodeValidation, Message: "tool_id is required"}
	}

	args := map[string]any{}
	if len(rawArgs) > 0 && string(rawArgs) != "null" {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, &bridge.CodedError{Code: bridge.CodeValidation, Message: "arguments must be a JSON object", Cause: err}
		}
	}

	start := time.Now()
	result, err := s.hub.Call(ctx, toolID, args)
	s.recordCall(toolID, rawArgs, result, err, time.Since(start))
	return result, err
}

func (s *Service) recordCall(toolID string, args, result json.RawMessage, err error, elapsed time.Duration) {
	if s.recorder == nil {
		return
	}
	rec := audit.CallRecord{
		Time:       time.Now().UTC(),
		ToolID:     toolID,
		PageIndex:  -1,
		DurationMS: elapsed.Milliseconds(),
		Arguments:  args,
		Result:     result,
	}
	if tool, ok := s.hub.Tool(toolID); ok {
		rec.PageIndex = tool.PageIndex
	}
	if coded := bridge.AsCoded(err); coded != nil {
		rec.ErrorCode = coded.Code
		rec.ErrorMessage = coded.Message
	} else if err != nil {
		rec.ErrorMessage = err.Error()
	}
	s.recorder.Record(rec)
}
