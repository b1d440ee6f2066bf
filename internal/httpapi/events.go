package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	writeJSON(w, http.StatusOK, s.ws.Events(r.URL.Query().Get("cursor"), limit))
}

// handleEventStream pushes workspace events over a websocket. With a cursor
// the retained backlog after it is sent first. The stream ends when the
// client goes away or the workspace closes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	events, unsubscribe := s.ws.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "correlation_id", correlationID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	logger := s.logger.With("correlation_id", correlationID)

	// Events published between Subscribe and the backlog read arrive twice.
	replayed := map[string]struct{}{}
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		for {
			feed := s.ws.Events(cursor, 200)
			for _, event := range feed.Events {
				if err := writeEvent(ctx, conn, event); err != nil {
					logger.Debug("event stream write failed", "err", err)
					return
				}
				replayed[event.EventID] = struct{}{}
				cursor = event.EventID
			}
			if feed.NextCursor == nil {
				break
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "workspace closed")
				return
			}
			if _, dup := replayed[event.EventID]; dup {
				delete(replayed, event.EventID)
				continue
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				logger.Debug("event stream write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event any) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, event)
}
