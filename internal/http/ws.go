package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/event"
)

var upgrader = websocket.Upgrader{
	// observers connect from dashboard origins handled upstream
	CheckOrigin: func(r *http.Request) bool { return true },
}

const observerBuffer = 256

// handleObserverWS streams the live event feed to a monitoring client.
// Delivery is fire-and-forget: a client that falls behind the buffer misses
// events and is expected to re-fetch snapshots on reconnect.
func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query()["topic"])
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.hub.Subscribe(observerBuffer, topics...)
	s.logger.Info("observer connected", "remote_addr", r.RemoteAddr, "topics", len(topics))

	done := make(chan struct{})
	// reader exists only to detect close
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.hub.Unsubscribe(sub)
			_ = conn.Close()
		}()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					s.logger.Debug("observer write failed", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}()
}

func parseTopics(raw []string) []event.Topic {
	out := make([]event.Topic, 0, len(raw))
	for _, t := range raw {
		if t != "" {
			out = append(out, event.Topic(t))
		}
	}
	return out
}
