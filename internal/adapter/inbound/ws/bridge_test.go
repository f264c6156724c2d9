package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/pkg/jsonrpc"
)

type stubService struct {
	def     service.Definition
	state   service.RuntimeState
	send    func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error)
	notifCh chan *jsonrpc.Message
	logCh   chan service.LogEntry
}

func newStubService() *stubService {
	return &stubService{
		def:   service.Definition{ID: "svc-1", Name: "svc", ProxyPath: "/svc"},
		state: service.RuntimeState{Status: service.StatusRunning},
		send: func(_ context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
			return jsonrpc.Parse(jsonrpc.NewResponse(req.ID, json.RawMessage(`"pong"`)))
		},
		notifCh: make(chan *jsonrpc.Message, 8),
		logCh:   make(chan service.LogEntry, 8),
	}
}

func (s *stubService) Definition() service.Definition { return s.def }
func (s *stubService) State() service.RuntimeState    { return s.state }
func (s *stubService) Send(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	return s.send(ctx, req)
}
func (s *stubService) SubscribeNotifications() (<-chan *jsonrpc.Message, func()) {
	return s.notifCh, func() {}
}
func (s *stubService) SubscribeLogs() (<-chan service.LogEntry, func()) {
	return s.logCh, func() {}
}

func newTestServer(t *testing.T, svc *stubService) *httptest.Server {
	t.Helper()
	bridge := NewBridge(func(id string) (Service, bool) {
		if svc != nil && id == svc.def.ID {
			return svc, true
		}
		return nil, false
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", bridge.ServeRPC)
	mux.HandleFunc("GET /api/services/{id}/logs/stream", bridge.ServeLogStream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	return frame
}

func TestBridgeRejectsBeforeUpgrade(t *testing.T) {
	svc := newStubService()
	srv := newTestServer(t, svc)

	tests := []struct {
		path string
		want int
	}{
		{"/ws", http.StatusBadRequest},
		{"/ws?service=unknown", http.StatusNotFound},
	}
	for _, tc := range tests {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("get %s failed: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.path, resp.StatusCode, tc.want)
		}
	}

	svc.state.Status = service.StatusStopped
	resp, err := http.Get(srv.URL + "/ws?service=svc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("stopped service: status = %d, want 503", resp.StatusCode)
	}
}

func TestBridgeRequestResponse(t *testing.T) {
	svc := newStubService()
	srv := newTestServer(t, svc)
	conn := dial(t, srv, "/ws?service=svc-1")

	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg, err := jsonrpc.Parse(readFrame(t, conn))
	if err != nil {
		t.Fatalf("response is not an envelope: %v", err)
	}
	if msg.ID.Key() != "3" {
		t.Errorf("response id = %s, want 3", msg.ID)
	}
	if string(msg.Result) != `"pong"` {
		t.Errorf("result = %s, want \"pong\"", msg.Result)
	}
}

func TestBridgeInvalidFrameKeepsConnectionOpen(t *testing.T) {
	svc := newStubService()
	srv := newTestServer(t, svc)
	conn := dial(t, srv, "/ws?service=svc-1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg, err := jsonrpc.Parse(readFrame(t, conn))
	if err != nil {
		t.Fatalf("error frame is not an envelope: %v", err)
	}
	if msg.Err == nil || msg.Err.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("error = %+v, want -32600", msg.Err)
	}

	// The session is still usable.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("write after error failed: %v", err)
	}
	msg, err = jsonrpc.Parse(readFrame(t, conn))
	if err != nil || msg.Err != nil {
		t.Errorf("connection not usable after invalid frame: %v %+v", err, msg)
	}
}

func TestBridgeForwardsNotifications(t *testing.T) {
	svc := newStubService()
	srv := newTestServer(t, svc)
	conn := dial(t, srv, "/ws?service=svc-1")

	notif, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`))
	svc.notifCh <- notif

	msg, err := jsonrpc.Parse(readFrame(t, conn))
	if err != nil {
		t.Fatalf("notification frame is not an envelope: %v", err)
	}
	if msg.Method != "progress" {
		t.Errorf("method = %q, want progress", msg.Method)
	}
}

func TestBridgeSendFailure(t *testing.T) {
	svc := newStubService()
	svc.send = func(context.Context, *jsonrpc.Message) (*jsonrpc.Message, error) {
		return nil, service.ErrTimeout
	}
	srv := newTestServer(t, svc)
	conn := dial(t, srv, "/ws?service=svc-1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":9,"method":"slow"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg, err := jsonrpc.Parse(readFrame(t, conn))
	if err != nil {
		t.Fatalf("error frame is not an envelope: %v", err)
	}
	if msg.Err == nil || msg.Err.Code != jsonrpc.CodeInternalError {
		t.Errorf("error = %+v, want -32603", msg.Err)
	}
	if msg.ID.Key() != "9" {
		t.Errorf("error id = %s, want 9", msg.ID)
	}
}

func TestLogStream(t *testing.T) {
	svc := newStubService()
	srv := newTestServer(t, svc)
	conn := dial(t, srv, "/api/services/svc-1/logs/stream")

	svc.logCh <- service.LogEntry{Timestamp: time.Now(), Level: "stderr", Message: "boom"}

	var entry service.LogEntry
	if err := json.Unmarshal(readFrame(t, conn), &entry); err != nil {
		t.Fatalf("log frame is not a log entry: %v", err)
	}
	if entry.Level != "stderr" || entry.Message != "boom" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestLogStreamUnknownService(t *testing.T) {
	srv := newTestServer(t, newStubService())

	resp, err := http.Get(srv.URL + "/api/services/nope/logs/stream")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
