package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"brokerd/internal/domain"
)

const (
	wsBufferSize   = 256
	wsWriteTimeout = 5 * time.Second
)

// handleEventStream upgrades to a WebSocket and streams lifecycle events.
// ?topic=connection,order limits the topics; ?replay=N first sends the N
// most recent events. Messages from the client are ignored.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var topics []domain.EventTopic
	for _, t := range strings.Split(r.URL.Query().Get("topic"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, domain.EventTopic(strings.ToLower(t)))
		}
	}
	replay := queryInt(r, "replay", 0)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("accepting websocket", "error", err)
		return
	}
	defer conn.CloseNow()

	subID, ch := s.bus.Subscribe(wsBufferSize, topics...)
	defer s.bus.Unsubscribe(subID)

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.log.Info("websocket client subscribed", "subID", subID, "topics", topics)

	if replay > 0 {
		for _, evt := range s.bus.Recent(replay) {
			if !wantTopic(topics, evt.Topic) {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("websocket client disconnected", "subID", subID)
			return
		case evt, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Warn("writing websocket event", "subID", subID, "error", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

func wantTopic(topics []domain.EventTopic, t domain.EventTopic) bool {
	if len(topics) == 0 {
		return true
	}
	for _, want := range topics {
		if want == t {
			return true
		}
	}
	return false
}
