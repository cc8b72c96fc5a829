package events

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/salesos/collab/v1/metrics"
)

// keepAliveInterval is how often an idle SSE stream receives a comment line
// so proxies do not close it.
const keepAliveInterval = 25 * time.Second

// ServeSSE streams the events of topic over Server-Sent Events until the
// client goes away.
func ServeSSE(bus Bus, topic string, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := bus.Watch(ctx, topic)
	if err != nil {
		cancel()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	metrics.StreamGauge.Inc()
	defer func() {
		metrics.StreamGauge.Dec()
		cancel()
		_ = bus.Unwatch(context.Background(), topic, ch)
	}()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	// browsers connect from the dashboard origin; authentication happens
	// before the upgrade
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWebSocket streams the events of topic over a WebSocket connection.
func ServeWebSocket(bus Bus, topic string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := bus.Watch(ctx, topic)
	if err != nil {
		cancel()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event bus unavailable"))
		return
	}
	metrics.StreamGauge.Inc()
	defer func() {
		metrics.StreamGauge.Dec()
		cancel()
		_ = bus.Unwatch(context.Background(), topic, ch)
	}()

	// the read loop only exists to notice the client closing the socket
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
