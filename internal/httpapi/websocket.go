package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

const (
	wsReadLimit    = 1 << 16
	wsReadWait     = 5 * time.Minute
	wsPingInterval = 20 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsFrame is the client-to-server envelope. A frame that is not a JSON
// envelope is treated as a plain message.
type wsFrame struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	Section      string `json:"section"`
	Instructions string `json:"instructions"`
}

const (
	frameMessage     = "message"
	frameEditSection = "edit_section"
	frameGetPlan     = "get_plan"
)

// handleWS upgrades /ws/{id} and serves client frames: "message" runs a
// conversation turn, "edit_section" applies a direct section edit, and
// "get_plan" returns the current plan. Turn events stream back as JSON
// frames; the terminal done event of each frame's response tells the client
// the exchange is over, and the connection stays open for the next frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	if _, err := s.sessions.GetOrCreate(r.Context(), sessionID); err != nil {
		http.Error(w, "session storage unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})

	s.logger.Info("WebSocket connected", zap.String("session_id", sessionID))

	// Reader pump. A dedicated reader keeps pongs flowing while a turn is
	// in flight and between turns, and feeds parsed frames to the writer
	// loop below.
	frames := make(chan wsFrame)
	go func() {
		defer close(frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("WebSocket read failed", zap.Error(err))
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsReadWait))

			var f wsFrame
			if err := json.Unmarshal(msg, &f); err != nil || f.Type == "" {
				f = wsFrame{Type: frameMessage, Content: string(msg)}
			}
			select {
			case frames <- f:
			case <-r.Context().Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !s.handleFrame(r.Context(), conn, ticker, sessionID, f) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleFrame serves one client frame to completion. A false return means
// the connection is no longer usable.
func (s *Server) handleFrame(parent context.Context, conn *websocket.Conn, ticker *time.Ticker, sessionID string, f wsFrame) bool {
	switch f.Type {
	case frameMessage:
		ctx, cancel := context.WithCancel(parent)
		defer cancel()
		return s.streamEvents(ctx, cancel, conn, ticker, s.orch.ProcessTurn(ctx, sessionID, f.Content))
	case frameEditSection:
		ctx, cancel := context.WithCancel(parent)
		defer cancel()
		return s.streamEvents(ctx, cancel, conn, ticker, s.orch.ProcessEdit(ctx, sessionID, f.Section, f.Instructions))
	case frameGetPlan:
		return s.writePlan(parent, conn, sessionID)
	default:
		return s.writeEvent(conn, orchestrator.Event{Type: orchestrator.EventError, Message: "unknown frame type: " + f.Type}) &&
			s.writeEvent(conn, orchestrator.Event{Type: orchestrator.EventDone})
	}
}

// streamEvents relays one turn's events onto the connection. On write
// failure or connection teardown it cancels the turn and drains the channel
// so the producer goroutine can finish.
func (s *Server) streamEvents(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, ticker *time.Ticker, events <-chan orchestrator.Event) bool {
	abort := func() bool {
		cancel()
		for range events {
		}
		return false
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if !s.writeEvent(conn, ev) {
				return abort()
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return abort()
			}
		case <-ctx.Done():
			return abort()
		}
	}
}

// writePlan answers a get_plan frame from session state without running a
// turn.
func (s *Server) writePlan(ctx context.Context, conn *websocket.Conn, sessionID string) bool {
	state, err := s.sessions.Load(ctx, sessionID)
	if err != nil || state.Plan == nil {
		return s.writeEvent(conn, orchestrator.Event{Type: orchestrator.EventError, Message: "No plan available"}) &&
			s.writeEvent(conn, orchestrator.Event{Type: orchestrator.EventDone})
	}
	return s.writeEvent(conn, orchestrator.Event{Type: orchestrator.EventPlanComplete, Plan: state.Plan}) &&
		s.writeEvent(conn, orchestrator.Event{Type: orchestrator.EventDone})
}

func (s *Server) writeEvent(conn *websocket.Conn, ev orchestrator.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Warn("WebSocket write failed", zap.Error(err))
		return false
	}
	return true
}
