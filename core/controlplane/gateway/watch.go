package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/chatflow/chatflow/core/infra/logging"
	wf "github.com/chatflow/chatflow/core/workflow"
	"github.com/gorilla/websocket"
)

const (
	watchBuffer     = 32
	watchWriteWait  = 5 * time.Second
	watchPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  isAllowedOrigin,
	Subprotocols: []string{wsAPIKeyProtocol},
}

// WatchHub fans lifecycle events out to websocket watchers of one execution.
// It implements workflow.EventPublisher.
type WatchHub struct {
	mu   sync.Mutex
	subs map[string]map[chan wf.ExecutionEvent]struct{}
}

// NewWatchHub returns an empty hub.
func NewWatchHub() *WatchHub {
	return &WatchHub{subs: map[string]map[chan wf.ExecutionEvent]struct{}{}}
}

// Publish delivers evt to the execution's watchers. Slow watchers drop
// events rather than block the engine.
func (h *WatchHub) Publish(_ context.Context, evt wf.ExecutionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[evt.ExecutionID] {
		select {
		case ch <- evt:
		default:
			logging.Warn(component, "watcher lagging, event dropped", "execution_id", evt.ExecutionID, "type", evt.Type)
		}
	}
	return nil
}

func (h *WatchHub) subscribe(executionID string) (<-chan wf.ExecutionEvent, func()) {
	ch := make(chan wf.ExecutionEvent, watchBuffer)
	h.mu.Lock()
	if h.subs[executionID] == nil {
		h.subs[executionID] = map[chan wf.ExecutionEvent]struct{}{}
	}
	h.subs[executionID][ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[executionID], ch)
		if len(h.subs[executionID]) == 0 {
			delete(h.subs, executionID)
		}
	}
}

func (h *WatchHub) watchers(executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[executionID])
}

type watchMessage struct {
	Type      string                `json:"type"`
	Execution *wf.WorkflowExecution `json:"execution,omitempty"`
	Event     *wf.ExecutionEvent    `json:"event,omitempty"`
}

// handleWatchExecution streams the execution snapshot followed by its
// lifecycle events; the stream closes after a terminal event.
func (s *Server) handleWatchExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, ok := s.loadExecution(w, r, id)
	if !ok {
		return
	}
	events, unsubscribe := s.hub.subscribe(id)
	defer unsubscribe()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(component, "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Drain client frames so close and pong frames are processed.
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Re-read after subscribing so no transition falls between the two.
	if latest, err := s.engine.GetStatus(ctx, id); err == nil {
		exec = latest
	}
	if err := writeWatch(ws, watchMessage{Type: "snapshot", Execution: redactExecution(exec)}); err != nil || exec.Status.Terminal() {
		return
	}

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	for {
		select {
		case evt := <-events:
			if err := writeWatch(ws, watchMessage{Type: "event", Event: &evt}); err != nil {
				return
			}
			if evt.Status.Terminal() {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(evt.Status)),
					time.Now().Add(watchWriteWait))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeWatch(ws *websocket.Conn, msg watchMessage) error {
	_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
	if err := ws.WriteJSON(msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			logging.Debug(component, "ws write failed", "error", err)
		}
		return err
	}
	return nil
}
