// Package bridge ferries JSON-RPC messages between the controller process
// and a page's in-page tool registry over a raw CDP channel. One Transport
// owns one flattened debug session per page; at most one non-closed
// Transport exists per page at any time (enforced by the hub).
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/webmcp_agent/internal/envelope"
)

// State is the transport lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStarted // session up, awaiting the ready signal
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons passed to the OnClosed callback.
const (
	ReasonNavigation = "navigation"
	ReasonExplicit   = "closed"
)

// Options tunes transport timing. Zero values fall back to defaults.
type Options struct {
	// ReadyTimeout bounds the handshake race in start().
	ReadyTimeout time.Duration
	// NavSettleDelay is the heuristic wait before re-probing the page marker
	// after a navigation notification. It is not a correctness guarantee;
	// slow page JS can still lose the race and force a reconnect.
	NavSettleDelay time.Duration
	// EvalTimeout bounds individual debug-channel evaluations.
	EvalTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.NavSettleDelay <= 0 {
		o.NavSettleDelay = 300 * time.Millisecond
	}
	if o.EvalTimeout <= 0 {
		o.EvalTimeout = 5 * time.Second
	}
	return o
}

// Callbacks are invoked from the transport's receive path. They must not
// block; heavy work belongs on the caller's side.
type Callbacks struct {
	// OnNotification receives server-initiated JSON-RPC notifications
	// (e.g. tools/list_changed).
	OnNotification func(method string, params json.RawMessage)
	// OnClosed fires once when the transport closes spontaneously (full
	// navigation). Explicit Close() does not fire it.
	OnClosed func(reason string)
	// OnServerStopped fires when the page registry reports teardown. The
	// transport stays open; the registry may restart.
	OnServerStopped func()
}

// StartResult reports what start() found on the page.
type StartResult struct {
	AlreadyInjected bool `json:"already_injected"`
}

// Transport is the controller-side half of one page bridge.
type Transport struct {
	targetID string
	dialer   SessionDialer
	opts     Options
	cb       Callbacks

	mu          sync.Mutex
	state       State
	session     DebugSession
	unregs      []func()
	readyCh     chan struct{}
	readyErr    error // set before readyCh is closed on failure
	serverReady bool
	navInFlight bool

	seq       atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *envelope.Message
}

// NewTransport creates an idle transport for the given page target.
func NewTransport(targetID string, dialer SessionDialer, opts Options, cb Callbacks) *Transport {
	return &Transport{
		targetID: targetID,
		dialer:   dialer,
		opts:     opts.withDefaults(),
		cb:       cb,
		state:    StateIdle,
		pending:  make(map[int64]chan *envelope.Message),
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TargetID returns the CDP target this transport is bound to.
func (t *Transport) TargetID() string { return t.targetID }

// Start brings the bridge up: attach a debug session, verify the in-page
// registry, install the receive binding, inject the relay script, and race
// the ready handshake against the timeout. On any failure every partially
// acquired resource is released before returning.
func (t *Transport) Start(ctx context.Context) (StartResult, error) {
	t.mu.Lock()
	switch t.state {
	case StateStarting, StateStarted:
		t.mu.Unlock()
		return StartResult{}, newError(CodeAlreadyStarting, "start already in progress", nil)
	case StateReady:
		t.mu.Unlock()
		return StartResult{}, nil
	case StateClosed:
		t.mu.Unlock()
		return StartResult{}, newError(CodeTransportClosed, "transport is closed", nil)
	}
	t.state = StateStarting
	t.readyCh = make(chan struct{})
	t.readyErr = nil
	t.serverReady = false
	readyCh := t.readyCh
	t.mu.Unlock()

	res, err := t.startSequence(ctx)
	if err != nil {
		t.teardown(err)
		return StartResult{}, err
	}

	t.mu.Lock()
	if t.state != StateStarting {
		// A concurrent Close won; abort without completing initialisation.
		t.mu.Unlock()
		t.teardown(nil)
		return StartResult{}, newError(CodeTransportClosed, "closed during start", nil)
	}
	t.state = StateStarted
	t.mu.Unlock()

	timer := time.NewTimer(t.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-readyCh:
		t.mu.Lock()
		rerr := t.readyErr
		t.mu.Unlock()
		if rerr != nil {
			return StartResult{}, rerr
		}
	case <-timer.C:
		err := newError(CodeHandshakeTimeout, fmt.Sprintf("page did not signal ready within %s", t.opts.ReadyTimeout), nil)
		t.teardown(err)
		return StartResult{}, err
	case <-ctx.Done():
		t.teardown(ctx.Err())
		return StartResult{}, ctx.Err()
	}

	t.mu.Lock()
	if t.state != StateStarted {
		st := t.state
		t.mu.Unlock()
		return StartResult{}, newError(CodeTransportClosed, "transport "+st.String()+" after handshake", nil)
	}
	t.state = StateReady
	t.mu.Unlock()

	slog.Info("bridge ready", "target_id", t.targetID, "already_injected", res.AlreadyInjected)
	return res, nil
}

// startSequence runs the resource acquisition steps. Each await is an
// interleaving point, so the Starting state is re-validated after every one.
func (t *Transport) startSequence(ctx context.Context) (StartResult, error) {
	sess, err := t.dialer.Attach(ctx, t.targetID)
	if err != nil {
		return StartResult{}, err
	}
	t.mu.Lock()
	if t.state != StateStarting {
		t.mu.Unlock()
		detachCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sess.Detach(detachCtx)
		cancel()
		return StartResult{}, newError(CodeTransportClosed, "closed during start", nil)
	}
	t.session = sess
	t.mu.Unlock()

	var probe struct {
		Found bool `json:"found"`
	}
	if err := t.eval(ctx, sess, jsProbeRegistry(), &probe); err != nil {
		return StartResult{}, err
	}
	if !probe.Found {
		return StartResult{}, newError(CodeBridgeNotFound, "page exposes no in-page tool registry", nil)
	}
	if err := t.checkStarting(); err != nil {
		return StartResult{}, err
	}

	if err := sess.AddBinding(ctx, BindingName); err != nil {
		return StartResult{}, err
	}
	if err := t.checkStarting(); err != nil {
		return StartResult{}, err
	}

	unregBinding := sess.OnEvent("Runtime.bindingCalled", t.onBindingCalled)
	unregNav := sess.OnEvent("Page.frameNavigated", t.onFrameNavigated)
	unregSPANav := sess.OnEvent("Page.navigatedWithinDocument", func(json.RawMessage) { t.handleNavigation() })
	unregCleared := sess.OnEvent("Runtime.executionContextsCleared", func(json.RawMessage) { t.handleNavigation() })
	t.mu.Lock()
	t.unregs = append(t.unregs, unregBinding, unregNav, unregSPANav, unregCleared)
	t.mu.Unlock()

	if err := sess.EnablePage(ctx); err != nil {
		return StartResult{}, err
	}
	if err := t.checkStarting(); err != nil {
		return StartResult{}, err
	}

	var inject struct {
		AlreadyInjected bool `json:"already_injected"`
	}
	if err := t.eval(ctx, sess, jsInjectBridge(), &inject); err != nil {
		return StartResult{}, err
	}
	if err := t.checkStarting(); err != nil {
		return StartResult{}, err
	}

	if err := t.eval(ctx, sess, jsCheckReady(), nil); err != nil {
		return StartResult{}, err
	}

	return StartResult{AlreadyInjected: inject.AlreadyInjected}, nil
}

func (t *Transport) checkStarting() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateStarting {
		return newError(CodeTransportClosed, "closed during start", nil)
	}
	return nil
}

// Call sends a JSON-RPC request into the page and waits for the matching
// response. Arguments pass through flat; the only wrapping applied is the
// wire envelope itself.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.seq.Add(1)
	env, err := envelope.NewRequest(id, method, params)
	if err != nil {
		return nil, newError(CodeValidation, "encode request", err)
	}

	ch := make(chan *envelope.Message, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.Send(ctx, env); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, newError(CodeTransportClosed, "transport closed while awaiting response", nil)
		}
		if msg.Error != nil {
			return nil, newError(CodeEvalFailure, "tool registry error", msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send forwards one envelope into the page. Requires the transport to be
// Ready; callers racing Start queue on the same ready signal the handshake
// used.
func (t *Transport) Send(ctx context.Context, env envelope.Envelope) error {
	t.mu.Lock()
	st := t.state
	readyCh := t.readyCh
	sess := t.session
	t.mu.Unlock()

	switch st {
	case StateClosed:
		return newError(CodeTransportClosed, "transport is closed", nil)
	case StateIdle:
		return newError(CodeValidation, "transport not started", nil)
	}

	select {
	case <-readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	rerr := t.readyErr
	t.mu.Unlock()
	if rerr != nil {
		return rerr
	}

	// The payload is valid JSON, so it embeds directly as a JS expression.
	return t.eval(ctx, sess, jsSendToServer(string(env.Payload)), nil)
}

// onBindingCalled dispatches an inbound relay message. Malformed payloads
// are isolated per message; one bad payload never drops the connection.
func (t *Transport) onBindingCalled(params json.RawMessage) {
	var evt struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(params, &evt); err != nil || evt.Name != BindingName {
		return
	}

	t.mu.Lock()
	closed := t.state == StateClosed
	t.mu.Unlock()
	if closed {
		slog.Debug("bridge dropping message after close", "target_id", t.targetID)
		return
	}

	_, p, err := envelope.Decode([]byte(evt.Payload))
	if err != nil {
		slog.Warn("bridge malformed inbound payload", "target_id", t.targetID, "error", err)
		return
	}

	switch p.Kind {
	case envelope.KindSentinel:
		t.onSentinel(p.Sentinel)
	case envelope.KindMessage:
		t.onMessage(p.Message)
	}
}

func (t *Transport) onSentinel(s string) {
	switch s {
	case envelope.SentinelServerReady:
		t.signalReady(nil)
	case envelope.SentinelServerStopped:
		// Non-fatal: the page registry may restart. Connection stays open.
		slog.Warn("bridge page registry stopped", "target_id", t.targetID)
		if t.cb.OnServerStopped != nil {
			t.cb.OnServerStopped()
		}
	default:
		slog.Debug("bridge unknown sentinel", "target_id", t.targetID, "sentinel", s)
	}
}

func (t *Transport) onMessage(msg *envelope.Message) {
	if msg.IsResponse() {
		// Remove the waiter before sending so teardown, which closes only
		// channels still in the map, can never close one mid-send.
		t.pendingMu.Lock()
		ch, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- msg
		} else {
			slog.Debug("bridge response without waiter", "target_id", t.targetID, "id", *msg.ID)
		}
		return
	}
	if msg.IsNotification() && t.cb.OnNotification != nil {
		t.cb.OnNotification(msg.Method, msg.Params)
	}
}

// signalReady resolves the ready signal. Idempotent: a duplicate ready is a
// no-op.
func (t *Transport) signalReady(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.serverReady {
		return
	}
	t.serverReady = true
	t.readyErr = err
	if t.readyCh != nil {
		close(t.readyCh)
	}
}

func (t *Transport) onFrameNavigated(params json.RawMessage) {
	var evt struct {
		Frame struct {
			ParentID string `json:"parentId"`
			URL      string `json:"url"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	if evt.Frame.ParentID != "" {
		return // subframe
	}
	t.handleNavigation()
}

// handleNavigation distinguishes an SPA route change from a full navigation.
// Both arrive as the same notification; after a settle delay the page marker
// is re-probed. A surviving marker means the bridge is still alive. A burst
// of notifications runs this at most once at a time.
func (t *Transport) handleNavigation() {
	t.mu.Lock()
	if t.state != StateStarted && t.state != StateReady {
		t.mu.Unlock()
		return
	}
	if t.navInFlight {
		t.mu.Unlock()
		return
	}
	t.navInFlight = true
	sess := t.session
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			t.navInFlight = false
			t.mu.Unlock()
		}()

		time.Sleep(t.opts.NavSettleDelay)

		t.mu.Lock()
		if t.state == StateClosed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), t.opts.EvalTimeout)
		defer cancel()
		var probe struct {
			Present bool `json:"present"`
		}
		err := t.eval(ctx, sess, jsProbeMarker(), &probe)
		if err == nil && probe.Present {
			slog.Debug("bridge survived navigation", "target_id", t.targetID)
			return
		}
		if err != nil {
			slog.Debug("bridge marker probe failed after navigation", "target_id", t.targetID, "error", err)
		}

		// Full navigation: the execution context is gone. This is a normal
		// lifecycle event, reported as a close rather than a failure.
		slog.Info("bridge closed by navigation", "target_id", t.targetID)
		t.teardown(newError(CodeTransportClosed, "page navigated away", nil))
		if t.cb.OnClosed != nil {
			t.cb.OnClosed(ReasonNavigation)
		}
	}()
}

// Close releases everything the transport holds. Idempotent; a second call
// is a no-op after the first completes.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.teardown(newError(CodeTransportClosed, "transport closed", nil))
	slog.Debug("bridge closed", "target_id", t.targetID)
	return nil
}

// teardown moves the transport to Closed and releases resources in reverse
// acquisition order: navigation observers, receive binding, injected marker
// (best-effort), debug session (best-effort). Pending waiters are rejected.
func (t *Transport) teardown(readyErr error) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	sess := t.session
	t.session = nil
	unregs := t.unregs
	t.unregs = nil
	if !t.serverReady && t.readyCh != nil {
		if readyErr == nil {
			readyErr = newError(CodeTransportClosed, "transport closed", nil)
		}
		t.serverReady = true
		t.readyErr = readyErr
		close(t.readyCh)
	} else if t.readyErr == nil && readyErr != nil {
		// Ready already resolved; later sends still need to fail.
		t.readyErr = readyErr
	}
	t.mu.Unlock()

	for _, unreg := range unregs {
		unreg()
	}

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sess.Evaluate(ctx, jsDispose()); err != nil {
		slog.Debug("bridge dispose eval failed", "target_id", t.targetID, "error", err)
	}
	if err := sess.RemoveBinding(ctx, BindingName); err != nil {
		slog.Debug("bridge remove binding failed", "target_id", t.targetID, "error", err)
	}
	if err := sess.Detach(ctx); err != nil {
		slog.Debug("bridge detach failed", "target_id", t.targetID, "error", err)
	}
}

// eval runs a page script and decodes its evalEnvelope. Error codes coming
// back from the page are attached as coded errors here.
func (t *Transport) eval(ctx context.Context, sess DebugSession, js string, out any) error {
	evalCtx, cancel := context.WithTimeout(ctx, t.opts.EvalTimeout)
	defer cancel()

	raw, err := sess.Evaluate(evalCtx, js)
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return err
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}
