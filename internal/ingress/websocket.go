package ingress

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flowforge-io/flowforge/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleExecutionEvents streams one execution's topic over a websocket.
// Subscribing mid-run delivers the replay buffer first, then live events.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	s.streamEvents(w, r, s.bus.SubscribeExecution(executionID))
}

// handleWorkflowEvents streams the aggregate topic of all executions of one
// workflow. Workflow topics have no replay.
func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	workflowID := mux.Vars(r)["id"]
	s.streamEvents(w, r, s.bus.SubscribeWorkflow(workflowID))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sub *events.Subscription) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.bus.Unsubscribe(sub)
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer func() {
		s.bus.Unsubscribe(sub)
		conn.Close()
	}()

	// Reader: only pong handling and client-initiated close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
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
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Topic released; tell the client the stream is over.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, ev.JSON()); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
