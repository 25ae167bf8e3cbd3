package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/deployctl/internal/ws"
)

// streamTopic reads ?topic=, e.g. "pipeline:<id>". Empty subscribes to everything.
func streamTopic(req *http.Request) string {
	topic := strings.TrimSpace(req.URL.Query().Get("topic"))
	if topic == "" {
		return ws.TopicAll
	}
	return topic
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming unavailable")
		return
	}
	topic := streamTopic(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go r.pingLoop(client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// pingLoop stops at the first failed ping, which happens once the read loop closes
// the connection.
func (r *Router) pingLoop(client *ws.Client) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for range ticker.C {
		if err := client.Ping(); err != nil {
			return
		}
	}
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := streamTopic(req)
	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
