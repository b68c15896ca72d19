package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/webmcp_agent/internal/bridge"
)

type fakeTransport struct {
	mu        sync.Mutex
	state     bridge.State
	tools     []ToolDescriptor
	startErr  error
	startGate chan struct{} // when non-nil, Start blocks until closed
	closed    bool

	calledNames []string
	calledArgs  []json.RawMessage
	callResult  json.RawMessage
}

func (f *fakeTransport) Start(ctx context.Context) (bridge.StartResult, error) {
	if f.startGate != nil {
		select {
		case <-f.startGate:
		case <-ctx.Done():
			return bridge.StartResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return bridge.StartResult{}, f.startErr
	}
	f.state = bridge.StateReady
	return bridge.StartResult{}, nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case methodListTools:
		b, err := json.Marshal(map[string]any{"tools": f.tools})
		if err != nil {
			return nil, err
		}
		return b, nil
	case methodCallTool:
		b, _ := json.Marshal(params)
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(b, &p)
		f.calledNames = append(f.calledNames, p.Name)
		f.calledArgs = append(f.calledArgs, p.Arguments)
		if f.callResult != nil {
			return f.callResult, nil
		}
		return json.RawMessage(`{}`), nil
	}
	return nil, errors.New("unexpected method " + method)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = bridge.StateClosed
	return nil
}

func (f *fakeTransport) State() bridge.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setTools(tools []ToolDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *fakeTransport) setState(s bridge.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

// fixedFactory returns pre-built transports in order and records callbacks.
type fixedFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	callbacks  []bridge.Callbacks
}

func (ff *fixedFactory) factory(page PageInfo, cb bridge.Callbacks) PageTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.callbacks = append(ff.callbacks, cb)
	if len(ff.transports) == 0 {
		ft := &fakeTransport{}
		ff.transports = append(ff.transports, ft)
		return ft
	}
	ft := ff.transports[0]
	ff.transports = ff.transports[1:]
	return ft
}

func descs(names ...string) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, ToolDescriptor{Name: n})
	}
	return out
}

func toolIDs(tools []RegisteredTool) []string {
	var ids []string
	for _, t := range tools {
		ids = append(ids, t.ToolID)
	}
	return ids
}

func TestConnectRegistersTools(t *testing.T) {
	ft := &fakeTransport{tools: descs("add-item", "list items")}
	ff := &fixedFactory{transports: []*fakeTransport{ft}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 0, TargetID: "T1", URL: "http://localhost:3000/todos"}
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tools, err := h.Tools("", 0, true)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2: %v", len(tools), toolIDs(tools))
	}
	want := []string{
		"webmcp_localhost_3000_page0_add_item",
		"webmcp_localhost_3000_page0_list_items",
	}
	for i, id := range toolIDs(tools) {
		if id != want[i] {
			t.Errorf("tool[%d] = %q, want %q", i, id, want[i])
		}
	}
}

func TestStableIDsAcrossResync(t *testing.T) {
	ft := &fakeTransport{tools: []ToolDescriptor{{Name: "search", Description: "v1"}}}
	ff := &fixedFactory{transports: []*fakeTransport{ft}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 2, TargetID: "T1", URL: "https://app.example.com"}
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before, _ := h.Tools("", 2, false)
	if len(before) != 1 {
		t.Fatalf("got %d tools", len(before))
	}

	ft.setTools([]ToolDescriptor{{Name: "search", Description: "v2"}})
	if err := h.SyncPage(context.Background(), 2); err != nil {
		t.Fatalf("SyncPage: %v", err)
	}

	after, _ := h.Tools("", 2, false)
	if len(after) != 1 {
		t.Fatalf("got %d tools after resync", len(after))
	}
	if after[0].ToolID != before[0].ToolID {
		t.Errorf("toolId changed across resync: %q -> %q", before[0].ToolID, after[0].ToolID)
	}
	if after[0].Descriptor.Description != "v2" {
		t.Errorf("descriptor not refreshed: %q", after[0].Descriptor.Description)
	}
}

func TestResyncDropsVanishedTools(t *testing.T) {
	ft := &fakeTransport{tools: descs("a")}
	ff := &fixedFactory{transports: []*fakeTransport{ft}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 0, TargetID: "T1", URL: "https://example.com"}
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ft.setTools(descs("b", "c"))
	if err := h.SyncPage(context.Background(), 0); err != nil {
		t.Fatalf("SyncPage: %v", err)
	}

	tools, _ := h.Tools("", 0, true)
	got := toolIDs(tools)
	want := []string{"webmcp_example_com_page0_b", "webmcp_example_com_page0_c"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("catalog = %v, want %v", got, want)
	}
}

func TestRemovePageScoped(t *testing.T) {
	ft0 := &fakeTransport{tools: descs("alpha")}
	ft1 := &fakeTransport{tools: descs("beta")}
	ff := &fixedFactory{transports: []*fakeTransport{ft0, ft1}}
	h := New(ff.factory, nil)

	if err := h.Connect(context.Background(), PageInfo{Index: 0, URL: "https://one.test"}); err != nil {
		t.Fatalf("connect page 0: %v", err)
	}
	if err := h.Connect(context.Background(), PageInfo{Index: 1, URL: "https://two.test"}); err != nil {
		t.Fatalf("connect page 1: %v", err)
	}

	h.RemovePage(0)

	if !ft0.closed {
		t.Error("page 0 transport not closed")
	}
	if ft1.closed {
		t.Error("page 1 transport closed by unrelated removal")
	}
	tools, _ := h.Tools("", 0, true)
	if len(tools) != 1 || tools[0].PageIndex != 1 {
		t.Errorf("catalog after removal = %v", toolIDs(tools))
	}
	if pages := h.Pages(); len(pages) != 1 || pages[0].Index != 1 {
		t.Errorf("pages after removal = %v", pages)
	}
}

func TestCallUnknownTool(t *testing.T) {
	h := New((&fixedFactory{}).factory, nil)
	_, err := h.Call(context.Background(), "webmcp_nope_page0_x", nil)
	if !bridge.HasCode(err, bridge.CodeToolNotFound) {
		t.Fatalf("got %v, want %s", err, bridge.CodeToolNotFound)
	}
}

func TestCallRoutesFlatArguments(t *testing.T) {
	ft := &fakeTransport{tools: descs("add-item"), callResult: json.RawMessage(`{"ok":true}`)}
	ff := &fixedFactory{transports: []*fakeTransport{ft}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 0, URL: "http://localhost:3000"}
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	args := map[string]any{"text": "milk", "qty": float64(3), "tags": []any{"grocery"}}
	res, err := h.Call(context.Background(), "webmcp_localhost_3000_page0_add_item", args)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(res) != `{"ok":true}` {
		t.Errorf("result = %s", res)
	}
	if len(ft.calledNames) != 1 || ft.calledNames[0] != "add-item" {
		t.Errorf("called with original name %v, want [add-item]", ft.calledNames)
	}
	// Arguments pass through flat and unwrapped: the object the page handler
	// receives is the caller's object after one JSON round-trip.
	want, _ := json.Marshal(args)
	if len(ft.calledArgs) != 1 || string(ft.calledArgs[0]) != string(want) {
		t.Errorf("arguments at the page = %s, want %s", ft.calledArgs, want)
	}
}

func TestConcurrentConnectSingleBridge(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{tools: descs("x"), startGate: gate}
	ff := &fixedFactory{transports: []*fakeTransport{ft}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 0, URL: "https://example.com"}
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.Connect(context.Background(), page) }()

	// Wait until the first connect has claimed the page and is inside Start.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ff.mu.Lock()
		started := len(ff.callbacks) == 1
		ff.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first connect never reached the factory")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.Connect(context.Background(), page); !bridge.HasCode(err, bridge.CodeAlreadyStarting) {
		t.Fatalf("overlapping connect: got %v, want %s", err, bridge.CodeAlreadyStarting)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first connect: %v", err)
	}

	// Exactly one bridge was ever built for the page, and a follow-up connect
	// on the ready bridge only re-syncs.
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("connect on ready page: %v", err)
	}
	ff.mu.Lock()
	built := len(ff.callbacks)
	ff.mu.Unlock()
	if built != 1 {
		t.Errorf("factory built %d transports, want 1", built)
	}
	if ft.closed {
		t.Error("the live transport was closed by the overlapping connect")
	}
}

func TestCallReconnectsOnce(t *testing.T) {
	ft1 := &fakeTransport{tools: descs("go")}
	ft2 := &fakeTransport{tools: descs("go")}
	ff := &fixedFactory{transports: []*fakeTransport{ft1, ft2}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 0, URL: "https://example.com"}
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Simulate a navigation having torn the first transport down.
	ft1.setState(bridge.StateClosed)

	if _, err := h.Call(context.Background(), "webmcp_example_com_page0_go", nil); err != nil {
		t.Fatalf("Call after disconnect: %v", err)
	}
	if len(ft2.calledNames) != 1 {
		t.Errorf("reconnected transport calls = %v", ft2.calledNames)
	}
}

func TestCallFailsWhenReconnectFails(t *testing.T) {
	ft1 := &fakeTransport{tools: descs("go")}
	ft2 := &fakeTransport{startErr: &bridge.CodedError{Code: bridge.CodeBridgeNotFound, Message: "no registry"}}
	ff := &fixedFactory{transports: []*fakeTransport{ft1, ft2}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 0, URL: "https://example.com"}
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft1.setState(bridge.StateClosed)

	_, err := h.Call(context.Background(), "webmcp_example_com_page0_go", nil)
	if !bridge.HasCode(err, bridge.CodePageGone) {
		t.Fatalf("got %v, want %s", err, bridge.CodePageGone)
	}
}

func TestToolsGlobFilter(t *testing.T) {
	ft := &fakeTransport{tools: descs("add-item", "remove-item", "search")}
	ff := &fixedFactory{transports: []*fakeTransport{ft}}
	h := New(ff.factory, nil)

	page := PageInfo{Index: 0, URL: "http://localhost:3000"}
	if err := h.Connect(context.Background(), page); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tests := []struct {
		pattern string
		want    int
	}{
		{"*", 3},
		{"", 3},
		{"*item*", 2},
		{"*ITEM*", 2}, // case-insensitive
		{"search", 1},
		{"searc?", 1},
		{"item", 0}, // anchored, no implicit wildcards
	}
	for _, tt := range tests {
		tools, err := h.Tools(tt.pattern, 0, true)
		if err != nil {
			t.Fatalf("Tools(%q): %v", tt.pattern, err)
		}
		if len(tools) != tt.want {
			t.Errorf("Tools(%q) = %d matches %v, want %d", tt.pattern, len(tools), toolIDs(tools), tt.want)
		}
	}
}

func TestDisconnectUnknownPage(t *testing.T) {
	h := New((&fixedFactory{}).factory, nil)
	if err := h.Disconnect(9); !bridge.HasCode(err, bridge.CodePageNotFound) {
		t.Fatalf("got %v, want %s", err, bridge.CodePageNotFound)
	}
}

func TestBrokerReceivesLifecycleEvents(t *testing.T) {
	broker := NewBroker()
	subID, ch := broker.Subscribe()
	defer broker.Unsubscribe(subID)

	ft := &fakeTransport{tools: descs("x")}
	ff := &fixedFactory{transports: []*fakeTransport{ft}}
	h := New(ff.factory, broker)

	if err := h.Connect(context.Background(), PageInfo{Index: 0, URL: "https://example.com"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.RemovePage(0)

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{EventToolsChanged, EventPageConnected, EventPageDisconnected}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}
