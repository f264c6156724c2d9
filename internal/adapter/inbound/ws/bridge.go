// Package ws bridges WebSocket connections to supervised services: one
// JSON-RPC session endpoint with notification push, and a log streaming
// endpoint for the management UI.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/pkg/jsonrpc"
)

// Timing constants aligned with the gorilla/websocket chat example pattern.
const (
	writeWait  = 10 * time.Second
	pongWait   = 75 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// readLimit matches the framer's per-line cap.
	readLimit = 1 << 20
)

// Service is the per-service handle the bridge needs from a supervisor.
type Service interface {
	Definition() service.Definition
	State() service.RuntimeState
	Send(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error)
	SubscribeNotifications() (<-chan *jsonrpc.Message, func())
	SubscribeLogs() (<-chan service.LogEntry, func())
}

// Lookup resolves a service id to its handle.
type Lookup func(id string) (Service, bool)

// Bridge owns the WebSocket endpoints.
type Bridge struct {
	lookup   Lookup
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewBridge creates the bridge. The upgrader accepts any origin; the
// management surface fronts these endpoints with API-key auth where needed.
func NewBridge(lookup Lookup, logger *slog.Logger) *Bridge {
	return &Bridge{
		lookup: lookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeRPC handles GET /ws?service={id}: a bidirectional JSON-RPC session
// with the service, including server-initiated notifications.
func (b *Bridge) ServeRPC(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("service")
	if id == "" {
		http.Error(w, `{"error":"service query parameter is required"}`, http.StatusBadRequest)
		return
	}
	svc, ok := b.lookup(id)
	if !ok {
		http.Error(w, `{"error":"service not found"}`, http.StatusNotFound)
		return
	}
	// Validate before the upgrade completes.
	if st := svc.State(); st.Status != service.StatusRunning {
		http.Error(w, `{"error":"service not running"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		conn:   conn,
		svc:    svc,
		logger: b.logger.With("service_id", id),
	}
	sess.run()
}

// session is one JSON-RPC WebSocket connection. Writes are serialised by a
// mutex per the gorilla one-writer rule.
type session struct {
	conn   *websocket.Conn
	svc    Service
	logger *slog.Logger

	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

func (s *session) run() {
	defer s.conn.Close()
	s.done = make(chan struct{})

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	notifs, unsubscribe := s.svc.SubscribeNotifications()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pingLoop(&pumps)
	go s.notificationLoop(&pumps, notifs)

	var inflight sync.WaitGroup
	s.readLoop(ctx, &inflight)

	s.close()
	cancel()
	inflight.Wait()
	pumps.Wait()
}

func (s *session) close() {
	s.closed.Do(func() { close(s.done) })
}

func (s *session) pingLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// notificationLoop forwards every child notification as one text frame.
func (s *session) notificationLoop(wg *sync.WaitGroup, notifs <-chan *jsonrpc.Message) {
	defer wg.Done()
	for {
		select {
		case msg, ok := <-notifs:
			if !ok {
				return
			}
			if err := s.write(websocket.TextMessage, msg.Raw); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop parses inbound frames and dispatches valid requests. Invalid
// frames get an error envelope; the connection stays open.
func (s *session) readLoop(ctx context.Context, inflight *sync.WaitGroup) {
	for {
		mt, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		msg, rpcErr := jsonrpc.ValidateRequest(frame)
		if rpcErr != nil {
			_ = s.write(websocket.TextMessage, jsonrpc.NewErrorResponse(jsonrpc.ID{}, rpcErr.Code, rpcErr.Message))
			continue
		}

		// Handle concurrently so one slow request does not block the
		// session.
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.dispatch(ctx, msg)
		}()
	}
}

func (s *session) dispatch(ctx context.Context, msg *jsonrpc.Message) {
	resp, err := s.svc.Send(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			// Socket closed while waiting; the response is an orphan.
			s.logger.Debug("dropping orphan response", "method", msg.Method)
			return
		}
		_ = s.write(websocket.TextMessage, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInternalError, "Internal error"))
		return
	}
	if err := s.write(websocket.TextMessage, resp.Raw); err != nil {
		s.logger.Debug("dropping orphan response", "method", msg.Method)
	}
}

func (s *session) write(messageType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, payload)
}

// ServeLogStream handles GET /api/services/{id}/logs/stream: pushes each
// new log entry of the service as one JSON text frame.
func (b *Bridge) ServeLogStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, ok := b.lookup(id)
	if !ok {
		http.Error(w, `{"error":"service not found"}`, http.StatusNotFound)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	entries, unsubscribe := svc.SubscribeLogs()
	defer unsubscribe()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reader only detects close; clients do not send frames here.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerGone:
			return
		}
	}
}
