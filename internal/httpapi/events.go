package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"stratflow/internal/session"
)

const keepAlive = 15 * time.Second

// handleEvents streams session events as server-sent events. The first
// event is a "snapshot" carrying the full session state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subID, ch := sess.Subscribe(s.eventBuffer)
	defer sess.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", s.sessionJSON(sess, true)); err != nil {
		return
	}
	flusher.Flush()
	s.log.Info("event stream opened", "session", sess.ID(), "subID", subID)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("event stream closed", "session", sess.ID(), "subID", subID)
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				writeSSE(w, "closed", map[string]string{"session": sess.ID()})
				flusher.Flush()
				return
			}
			if err := writeSSE(w, string(evt.Type), evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// handleWebSocket streams the same events as handleEvents over a
// WebSocket. Messages from the client are ignored.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	subID, ch := sess.Subscribe(s.eventBuffer)
	defer sess.Unsubscribe(subID)

	ctx := conn.CloseRead(r.Context())
	snap := s.sessionJSON(sess, true)
	if err := writeWS(ctx, conn, session.Event{Type: "snapshot", Session: sess.ID()}, &snap); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := writeWS(ctx, conn, evt, nil); err != nil {
				s.log.Info("websocket write", "session", sess.ID(), "error", err)
				return
			}
		}
	}
}

// wsFrame wraps an event; Snapshot is only set on the first frame.
type wsFrame struct {
	session.Event
	Snapshot *SessionJSON `json:"snapshot,omitempty"`
}

func writeWS(ctx context.Context, conn *websocket.Conn, evt session.Event, snap *SessionJSON) error {
	frame := wsFrame{Event: evt, Snapshot: snap}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, frame)
}
