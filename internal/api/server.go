// Package api is the HTTP surface of the webmcp controller: page discovery,
// bridge connect/disconnect, tool catalog queries, tool invocation, and an
// SSE stream of catalog events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/webmcp_agent/internal/bridge"
	"github.com/dgnsrekt/webmcp_agent/internal/hub"
)

// Service is the controller command layer the API delegates to.
type Service interface {
	ListPages(ctx context.Context) ([]hub.PageInfo, error)
	Connect(ctx context.Context, pageIndex int) error
	ConnectAll(ctx context.Context) (connected []int, failed map[int]string, err error)
	Disconnect(ctx context.Context, pageIndex int) error
	ListTools(ctx context.Context, pattern string, pageIndex int, allPages bool) ([]hub.RegisteredTool, error)
	CallTool(ctx context.Context, toolID string, args json.RawMessage) (json.RawMessage, error)
	Events() *hub.Broker
}

// NewServer builds the router with all endpoints registered.
func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("WebMCP Controller API", "1.0.0")
	api := humachi.New(router, cfg)

	registerHealthHandlers(api)
	registerPageHandlers(api, svc)
	registerToolHandlers(api, svc)

	router.Get("/api/v1/events", sseHandler(svc.Events()))

	return router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerPageHandlers(api huma.API, svc Service) {
	type pageIndexInput struct {
		Index int `path:"index" doc:"Page index assigned at discovery time."`
	}

	type pagesOutput struct {
		Body struct {
			Pages []hub.PageInfo `json:"pages"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-pages", Method: http.MethodGet, Path: "/api/v1/pages", Summary: "List discovered pages", Tags: []string{"Pages"}},
		func(ctx context.Context, input *struct{}) (*pagesOutput, error) {
			infos, err := svc.ListPages(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &pagesOutput{}
			out.Body.Pages = infos
			return out, nil
		})

	type connectOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "connect-page", Method: http.MethodPost, Path: "/api/v1/pages/{index}/connect", Summary: "Bridge to a page's tool registry", Tags: []string{"Pages"}},
		func(ctx context.Context, input *pageIndexInput) (*connectOutput, error) {
			if err := svc.Connect(ctx, input.Index); err != nil {
				return nil, mapErr(err)
			}
			out := &connectOutput{}
			out.Body.Status = "connected"
			return out, nil
		})

	type connectAllOutput struct {
		Body struct {
			Connected []int          `json:"connected"`
			Failed    map[int]string `json:"failed,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "connect-all-pages", Method: http.MethodPost, Path: "/api/v1/pages/connect", Summary: "Bridge to every discovered page", Tags: []string{"Pages"}},
		func(ctx context.Context, input *struct{}) (*connectAllOutput, error) {
			connected, failed, err := svc.ConnectAll(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &connectAllOutput{}
			out.Body.Connected = connected
			out.Body.Failed = failed
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "disconnect-page", Method: http.MethodDelete, Path: "/api/v1/pages/{index}/connect", Summary: "Tear down a page bridge", Tags: []string{"Pages"}},
		func(ctx context.Context, input *pageIndexInput) (*connectOutput, error) {
			if err := svc.Disconnect(ctx, input.Index); err != nil {
				return nil, mapErr(err)
			}
			out := &connectOutput{}
			out.Body.Status = "disconnected"
			return out, nil
		})
}

func registerToolHandlers(api huma.API, svc Service) {
	type listToolsInput struct {
		Pattern   string `query:"pattern" doc:"Anchored case-insensitive glob (* and ?) matched against tool id and name."`
		PageIndex int    `query:"page_index" default:"-1" doc:"Restrict to one page. Ignored when all_pages is true."`
		AllPages  bool   `query:"all_pages" default:"true"`
	}
	type toolsOutput struct {
		Body struct {
			Tools []hub.RegisteredTool `json:"tools"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tools", Method: http.MethodGet, Path: "/api/v1/tools", Summary: "Query the tool catalog", Tags: []string{"Tools"}},
		func(ctx context.Context, input *listToolsInput) (*toolsOutput, error) {
			allPages := input.AllPages && input.PageIndex < 0
			tools, err := svc.ListTools(ctx, input.Pattern, input.PageIndex, allPages)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &toolsOutput{}
			out.Body.Tools = tools
			return out, nil
		})

	type callToolInput struct {
		ToolID string `path:"tool_id"`
		Body   struct {
			Arguments json.RawMessage `json:"arguments,omitempty" doc:"Flat JSON object passed to the tool unchanged."`
		}
	}
	type callToolOutput struct {
		Body struct {
			Result json.RawMessage `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "call-tool", Method: http.MethodPost, Path: "/api/v1/tools/{tool_id}/call", Summary: "Invoke a registered tool", Tags: []string{"Tools"}},
		func(ctx context.Context, input *callToolInput) (*callToolOutput, error) {
			result, err := svc.CallTool(ctx, input.ToolID, input.Body.Arguments)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &callToolOutput{}
			out.Body.Result = result
			return out, nil
		})
}

// sseHandler streams hub catalog events as server-sent events.
func sseHandler(broker *hub.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
				flusher.Flush()
			}
		}
	}
}

// mapErr translates coded errors into HTTP status errors. Navigation-induced
// disconnects never reach here as failures; they surface as catalog events.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *bridge.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case bridge.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case bridge.CodeToolNotFound, bridge.CodePageNotFound:
			return huma.Error404NotFound(coded.Message)
		case bridge.CodeAlreadyStarting:
			return huma.Error409Conflict(coded.Message)
		case bridge.CodeHandshakeTimeout, bridge.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case bridge.CodeCDPUnavailable, bridge.CodePageGone, bridge.CodeBridgeNotFound:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
