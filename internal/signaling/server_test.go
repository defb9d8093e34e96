package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tkreindler/BlazorChat/internal/metrics"
	"github.com/tkreindler/BlazorChat/internal/protocol"
	"github.com/tkreindler/BlazorChat/internal/registry"
)

type testServer struct {
	ts      *httptest.Server
	srv     *Server
	reg     *registry.Registry
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, cfg Config, regOpts registry.Options) *testServer {
	t.Helper()

	m := metrics.New()
	regOpts.Metrics = m
	reg := registry.New(regOpts)
	cfg.Registry = reg
	cfg.Metrics = m

	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testServer{ts: ts, srv: srv, reg: reg, metrics: m}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/signal"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatalf("parse %q: %v", data, err)
	}
	return msg
}

func expect(t *testing.T, c *websocket.Conn, typ protocol.MessageType) protocol.Message {
	t.Helper()
	msg := read(t, c)
	if msg.Type != typ {
		t.Fatalf("got %+v, want type %s", msg, typ)
	}
	return msg
}

func expectCompletion(t *testing.T, c *websocket.Conn, id uint64) protocol.Message {
	t.Helper()
	msg := expect(t, c, protocol.TypeCompletion)
	if msg.ID == nil || *msg.ID != id {
		t.Fatalf("completion id=%v, want %d", msg.ID, id)
	}
	return msg
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("expected close code %d, got %v", code, err)
		}
		return
	}
}

// expectQuiet asserts nothing arrives on c for a short while.
func expectQuiet(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message %s", data)
	}
}

func users(msg protocol.Message) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(msg.Users))
	for _, u := range msg.Users {
		out = append(out, u.Identity)
	}
	return out
}

func TestSignal_CallScenario(t *testing.T) {
	s := newTestServer(t, Config{}, registry.Options{})
	alice, bob := uuid.New(), uuid.New()

	a := s.dial(t)
	if got := expect(t, a, protocol.TypeReceiveUsers); len(got.Users) != 0 {
		t.Fatalf("initial presence=%+v, want empty", got.Users)
	}
	send(t, a, map[string]any{"type": "registerUser", "id": 1, "identity": alice, "displayName": "Alice"})
	if got := users(expect(t, a, protocol.TypeReceiveUsers)); len(got) != 1 || got[0] != alice {
		t.Fatalf("presence after alice registered=%v", got)
	}
	expectCompletion(t, a, 1)

	b := s.dial(t)
	if got := users(expect(t, b, protocol.TypeReceiveUsers)); len(got) != 1 || got[0] != alice {
		t.Fatalf("bob's initial presence=%v", got)
	}
	send(t, b, map[string]any{"type": "registerUser", "id": 1, "identity": bob, "displayName": "Bob"})
	expect(t, b, protocol.TypeReceiveUsers)
	expectCompletion(t, b, 1)
	if got := users(expect(t, a, protocol.TypeReceiveUsers)); len(got) != 2 {
		t.Fatalf("alice's presence after bob registered=%v", got)
	}

	// Caller omitted: the server fills in the registered identity.
	send(t, a, map[string]any{"type": "call", "id": 2, "target": bob})
	if got := expect(t, b, protocol.TypeReceiveCall); got.Caller != alice {
		t.Fatalf("receiveCall caller=%s, want alice", got.Caller)
	}
	expectCompletion(t, a, 2)

	send(t, b, map[string]any{"type": "acceptCall", "caller": bob, "target": alice})
	if got := expect(t, a, protocol.TypeReceiveAcceptCall); got.Caller != bob {
		t.Fatalf("receiveAcceptCall caller=%s, want bob", got.Caller)
	}

	offer := `{"type":"offer","sdp":"v=0\r\n"}`
	send(t, a, map[string]any{"type": "sendRtcData", "id": 3, "caller": alice, "target": bob, "kind": "sdp", "payload": offer})
	got := expect(t, b, protocol.TypeReceiveRtcData)
	if got.Caller != alice || got.Kind != protocol.KindSDP || got.Payload != offer {
		t.Fatalf("receiveRtcData=%+v", got)
	}
	expectCompletion(t, a, 3)

	_ = b.Close()
	if got := users(expect(t, a, protocol.TypeReceiveUsers)); len(got) != 1 || got[0] != alice {
		t.Fatalf("presence after bob left=%v", got)
	}

	// Bob still exists but is unreachable: success, nothing delivered.
	send(t, a, map[string]any{"type": "sendRtcData", "id": 4, "target": bob, "kind": "sdp", "payload": offer})
	if msg := expectCompletion(t, a, 4); msg.Error != nil {
		t.Fatalf("send to disconnected user failed: %+v", msg.Error)
	}
	if got := s.metrics.Get(metrics.RelayTargetUnreachable); got != 1 {
		t.Fatalf("relay_target_unreachable=%d, want 1", got)
	}
}

func TestSignal_RequestErrorsKeepConnectionOpen(t *testing.T) {
	s := newTestServer(t, Config{}, registry.Options{})
	c := s.dial(t)
	expect(t, c, protocol.TypeReceiveUsers)

	// Not registered and no caller given.
	send(t, c, map[string]any{"type": "call", "target": uuid.New()})
	if msg := expect(t, c, protocol.TypeError); msg.Code != protocol.CodeNotRegistered {
		t.Fatalf("code=%s, want not_registered", msg.Code)
	}

	send(t, c, map[string]any{"type": "call", "id": 10, "caller": uuid.New(), "target": uuid.New()})
	msg := expectCompletion(t, c, 10)
	if msg.Error == nil || msg.Error.Code != protocol.CodeUnknownTarget {
		t.Fatalf("completion=%+v, want unknown_target", msg)
	}

	send(t, c, map[string]any{"type": "call", "caller": uuid.New(), "target": uuid.New()})
	if msg := expect(t, c, protocol.TypeError); msg.Code != protocol.CodeUnknownTarget {
		t.Fatalf("code=%s, want unknown_target", msg.Code)
	}

	send(t, c, map[string]any{"type": "registerUser", "id": 11, "identity": "not-a-uuid", "displayName": "X"})
	msg = expectCompletion(t, c, 11)
	if msg.Error == nil || msg.Error.Code != protocol.CodeBadRequest {
		t.Fatalf("completion=%+v, want bad_request", msg)
	}

	// Still usable.
	send(t, c, map[string]any{"type": "registerUser", "id": 12, "identity": uuid.New(), "displayName": "X"})
	expect(t, c, protocol.TypeReceiveUsers)
	if msg := expectCompletion(t, c, 12); msg.Error != nil {
		t.Fatalf("register after errors failed: %+v", msg.Error)
	}
}

func TestSignal_MalformedMessageClosesConnection(t *testing.T) {
	s := newTestServer(t, Config{}, registry.Options{})
	c := s.dial(t)
	expect(t, c, protocol.TypeReceiveUsers)

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := expect(t, c, protocol.TypeError); msg.Code != protocol.CodeBadMessage {
		t.Fatalf("code=%s, want bad_message", msg.Code)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := s.metrics.Get(metrics.BadMessage); got != 1 {
		t.Fatalf("bad_message=%d, want 1", got)
	}
}

func TestSignal_BinaryMessageRejected(t *testing.T) {
	s := newTestServer(t, Config{}, registry.Options{})
	c := s.dial(t)
	expect(t, c, protocol.TypeReceiveUsers)

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseUnsupportedData)
}

func TestSignal_OversizeMessageRejected(t *testing.T) {
	s := newTestServer(t, Config{MaxMessageBytes: 128}, registry.Options{})
	c := s.dial(t)
	expect(t, c, protocol.TypeReceiveUsers)

	payload := strings.Repeat("a", 512)
	send(t, c, map[string]any{"type": "sendRtcData", "target": uuid.New(), "kind": "sdp", "payload": payload})

	// The unread remainder of the frame can turn the close into a reset, so
	// only the close code is checked when one arrives.
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("expected connection to be closed")
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", closeErr.Code, websocket.CloseMessageTooBig)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.metrics.Get(metrics.BadMessage) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("bad_message=%d, want 1", s.metrics.Get(metrics.BadMessage))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

func TestSignal_RateLimitClosesConnection(t *testing.T) {
	s := newTestServer(t, Config{
		MaxMessagesPerSecond: 2,
		Clock:                frozenClock{now: time.Unix(1_700_000_000, 0)},
	}, registry.Options{})
	c := s.dial(t)
	expect(t, c, protocol.TypeReceiveUsers)

	for i := 0; i < 3; i++ {
		send(t, c, map[string]any{"type": "call", "caller": uuid.New(), "target": uuid.New()})
	}
	expect(t, c, protocol.TypeError) // unknown_target
	expect(t, c, protocol.TypeError) // unknown_target
	if msg := expect(t, c, protocol.TypeError); msg.Code != protocol.CodeRateLimited {
		t.Fatalf("code=%s, want rate_limited", msg.Code)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := s.metrics.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("rate_limited=%d, want 1", got)
	}
}

func TestSignal_MaxConnections(t *testing.T) {
	s := newTestServer(t, Config{}, registry.Options{MaxConnections: 1})
	first := s.dial(t)
	expect(t, first, protocol.TypeReceiveUsers)

	second := s.dial(t)
	if msg := expect(t, second, protocol.TypeError); msg.Code != protocol.CodeTooManyConns {
		t.Fatalf("code=%s, want too_many_connections", msg.Code)
	}
	expectClose(t, second, websocket.CloseTryAgainLater)

	// The rejected connection never entered the registry.
	if got := s.reg.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount=%d, want 1", got)
	}
	expectQuiet(t, first)
}

func TestSignal_ReRegistrationFromSecondTab(t *testing.T) {
	s := newTestServer(t, Config{}, registry.Options{})
	alice, bob := uuid.New(), uuid.New()

	tab1 := s.dial(t)
	expect(t, tab1, protocol.TypeReceiveUsers)
	send(t, tab1, map[string]any{"type": "registerUser", "identity": alice, "displayName": "Alice"})
	expect(t, tab1, protocol.TypeReceiveUsers)

	tab2 := s.dial(t)
	expect(t, tab2, protocol.TypeReceiveUsers)
	send(t, tab2, map[string]any{"type": "registerUser", "identity": alice, "displayName": "Alice"})
	expect(t, tab1, protocol.TypeReceiveUsers)
	if got := users(expect(t, tab2, protocol.TypeReceiveUsers)); len(got) != 1 || got[0] != alice {
		t.Fatalf("presence=%v, want alice once", got)
	}

	b := s.dial(t)
	expect(t, b, protocol.TypeReceiveUsers)
	send(t, b, map[string]any{"type": "registerUser", "identity": bob, "displayName": "Bob"})
	expect(t, b, protocol.TypeReceiveUsers)
	expect(t, tab1, protocol.TypeReceiveUsers)
	expect(t, tab2, protocol.TypeReceiveUsers)

	send(t, b, map[string]any{"type": "call", "target": alice})
	expect(t, tab2, protocol.TypeReceiveCall)
	expectQuiet(t, tab1)
}

func TestServer_CloseSendsGoingAway(t *testing.T) {
	s := newTestServer(t, Config{}, registry.Options{})
	c := s.dial(t)
	expect(t, c, protocol.TypeReceiveUsers)

	s.srv.Close()
	expectClose(t, c, websocket.CloseGoingAway)

	// Sessions started after Close are turned away.
	late := s.dial(t)
	expectClose(t, late, websocket.CloseGoingAway)
}
