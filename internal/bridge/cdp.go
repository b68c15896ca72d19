package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// CDPClient is a minimal CDP client speaking directly to the browser-level
// WebSocket endpoint. It avoids heavy session initialisation (SetAutoAttach,
// SetDiscoverTargets, DOM.Enable) that destabilises some browser builds; each
// bridge transport gets a flattened session attached on demand.
type CDPClient struct {
	httpBase string // e.g. "http://127.0.0.1:9220"

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

// NewCDPClient creates a client for the given CDP HTTP base URL.
func NewCDPClient(httpBase string) *CDPClient {
	return &CDPClient{
		httpBase:      strings.TrimRight(httpBase, "/"),
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// Connect dials the browser-level WebSocket endpoint. Safe to call when
// already connected.
func (c *CDPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "browser ws url", err)
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return newError(CodeCDPUnavailable, "dial browser websocket", err)
	}

	c.conn = conn
	c.pending = make(map[int64]chan json.RawMessage)
	go c.readLoop()
	return nil
}

// Close tears down the WebSocket connection and fails all pending calls.
func (c *CDPClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *CDPClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.closeAllPending()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			c.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (c *CDPClient) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *CDPClient) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *CDPClient) sendRaw(ctx context.Context, id int64, req any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, newError(CodeCDPUnavailable, "not connected", nil)
	}

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.deletePending(id)
		return nil, fmt.Errorf("cdp: marshal: %w", err)
	}

	c.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	c.mu.Unlock()
	if err != nil {
		c.deletePending(id)
		return nil, newError(CodeCDPUnavailable, "send", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, newError(CodeCDPUnavailable, "connection closed", nil)
		}
		return resp, nil
	case <-ctx.Done():
		c.deletePending(id)
		return nil, ctx.Err()
	}
}

// sendFlat sends a command on a flattened session (sessionId in the outer
// envelope) and extracts the inner result. Protocol errors are classified
// here, at the boundary: a destroyed or missing execution context means the
// page itself is gone, anything else is a plain CDP failure.
func (c *CDPClient) sendFlat(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := c.seq.Add(1)
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	resp, err := c.sendRaw(ctx, id, req)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return resp, nil
	}
	if envelope.Error != nil {
		if isContextGone(envelope.Error.Message) {
			return nil, newError(CodePageGone, method, fmt.Errorf("%s", envelope.Error.Message))
		}
		return nil, newError(CodeCDPUnavailable, method, fmt.Errorf("%s", envelope.Error.Message))
	}
	return envelope.Result, nil
}

// isContextGone recognises the protocol messages Chromium emits when the
// execution context backing a session was destroyed by navigation or close.
// This is the single place such messages are inspected.
func isContextGone(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "context was destroyed") ||
		strings.Contains(m, "cannot find context") ||
		strings.Contains(m, "session with given id not found") ||
		strings.Contains(m, "target closed")
}

// Attach opens a flattened session on the target and returns a handle for
// session-scoped commands and events.
func (c *CDPClient) Attach(ctx context.Context, targetID string) (DebugSession, error) {
	params := struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"`
	}{TargetID: targetID, Flatten: true}

	id := c.seq.Add(1)
	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params"`
	}{ID: id, Method: "Target.attachToTarget", Params: params}

	raw, err := c.sendRaw(ctx, id, req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			SessionID string `json:"sessionId"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("cdp: unmarshal attach: %w", err)
	}
	if resp.Error != nil {
		return nil, newError(CodePageGone, "attach to target", fmt.Errorf("%s", resp.Error.Message))
	}
	return &cdpSession{client: c, sessionID: resp.Result.SessionID}, nil
}

// ListTargets fetches open targets via the HTTP /json/list endpoint.
func (c *CDPClient) ListTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, c.httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "/json/list", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newError(CodeCDPUnavailable, fmt.Sprintf("/json/list: HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

func (c *CDPClient) registerEventHandler(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := c.seq.Add(1)
	c.eventMu.Lock()
	c.eventHandlers[method] = append(c.eventHandlers[method], eventHandler{id: id, fn: fn})
	c.eventMu.Unlock()
	return func() {
		c.eventMu.Lock()
		defer c.eventMu.Unlock()
		handlers := c.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				c.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

func (c *CDPClient) dispatchEvent(method, sessionID string, params json.RawMessage) {
	c.eventMu.RLock()
	handlers := make([]eventHandler, len(c.eventHandlers[method]))
	copy(handlers, c.eventHandlers[method])
	c.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(sessionID, params)
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (c *CDPClient) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

// DebugSession is the per-page slice of the debug channel a bridge transport
// operates on. The production implementation is a flattened CDP session;
// tests substitute fakes.
type DebugSession interface {
	Evaluate(ctx context.Context, js string) (string, error)
	AddBinding(ctx context.Context, name string) error
	RemoveBinding(ctx context.Context, name string) error
	EnablePage(ctx context.Context) error
	OnEvent(method string, fn func(params json.RawMessage)) func()
	Detach(ctx context.Context) error
}

// SessionDialer attaches debug sessions to pages. Implemented by CDPClient.
type SessionDialer interface {
	Attach(ctx context.Context, targetID string) (DebugSession, error)
}

type cdpSession struct {
	client    *CDPClient
	sessionID string
}

// Evaluate runs JS on the session and returns the string result. Promise
// results are awaited.
func (s *cdpSession) Evaluate(ctx context.Context, js string) (string, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: js, ReturnByValue: true, AwaitPromise: true}

	raw, err := s.client.sendFlat(ctx, s.sessionID, "Runtime.evaluate", params)
	if err != nil {
		return "", err
	}

	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
			Type  string          `json:"type"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", newError(CodeEvalFailure, "unmarshal eval result", err)
	}
	if resp.ExceptionDetails != nil {
		return "", newError(CodeEvalFailure, "eval exception", fmt.Errorf("%s", resp.ExceptionDetails.Text))
	}

	// String results come back as JSON-encoded strings.
	var str string
	if err := json.Unmarshal(resp.Result.Value, &str); err != nil {
		return string(resp.Result.Value), nil
	}
	return str, nil
}

// AddBinding installs a named receive binding callable from page JS as
// window[name](payload). Calls surface as Runtime.bindingCalled events.
func (s *cdpSession) AddBinding(ctx context.Context, name string) error {
	params := struct {
		Name string `json:"name"`
	}{Name: name}
	if _, err := s.client.sendFlat(ctx, s.sessionID, "Runtime.addBinding", params); err != nil {
		return err
	}
	// Binding calls require the Runtime domain to be active on the session.
	_, err := s.client.sendFlat(ctx, s.sessionID, "Runtime.enable", nil)
	return err
}

func (s *cdpSession) RemoveBinding(ctx context.Context, name string) error {
	params := struct {
		Name string `json:"name"`
	}{Name: name}
	_, err := s.client.sendFlat(ctx, s.sessionID, "Runtime.removeBinding", params)
	return err
}

// EnablePage sends Page.enable so navigation events are emitted on the session.
func (s *cdpSession) EnablePage(ctx context.Context) error {
	_, err := s.client.sendFlat(ctx, s.sessionID, "Page.enable", nil)
	return err
}

// OnEvent registers a handler for a CDP event on this session only.
// Returns an unregister function.
func (s *cdpSession) OnEvent(method string, fn func(params json.RawMessage)) func() {
	return s.client.registerEventHandler(method, func(sessionID string, params json.RawMessage) {
		if sessionID == s.sessionID {
			fn(params)
		}
	})
}

// Detach detaches the session without closing the target.
func (s *cdpSession) Detach(ctx context.Context) error {
	params := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: s.sessionID}

	id := s.client.seq.Add(1)
	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params"`
	}{ID: id, Method: "Target.detachFromTarget", Params: params}
	_, err := s.client.sendRaw(ctx, id, req)
	return err
}
