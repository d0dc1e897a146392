package stream

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/JefferyWang/chat/internal/auth"
	"github.com/JefferyWang/chat/internal/event"
	"github.com/JefferyWang/chat/internal/metrics"
	"github.com/JefferyWang/chat/internal/registry"
)

//go:embed index.html
var indexHTML []byte

// ServeIndex returns the embedded developer console for exercising the
// event stream by hand.
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// ServeSSE streams the caller's events as Server-Sent Events. Requires
// the auth middleware; the subscription lives exactly as long as the
// request.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	streamID := uuid.New().String()
	sub := h.registry.Subscribe(user.ID)
	defer sub.Close()

	metrics.OpenStreams.WithLabelValues("sse").Inc()
	defer metrics.OpenStreams.WithLabelValues("sse").Dec()
	log.Printf("stream: sse open user=%d stream=%s", user.ID, streamID)
	defer log.Printf("stream: sse closed user=%d stream=%s", user.ID, streamID)

	deliveries := make(chan delivery)
	go pump(ctx, sub, deliveries)

	ticker := time.NewTicker(h.config.KeepAlive)
	defer ticker.Stop()

	idle := true
	for {
		select {
		case <-ctx.Done():
			return

		case d := <-deliveries:
			if errors.Is(d.err, registry.ErrLagged) {
				metrics.LagEventsTotal.Inc()
				log.Printf("stream: sse lag user=%d stream=%s missed=%d", user.ID, streamID, d.missed)
				if err := writeSSEFrame(w, "gap", gapJSON(d.missed)); err != nil {
					return
				}
				flusher.Flush()
				idle = false
				continue
			}
			if d.err != nil {
				// Channel reaped or context cancelled.
				return
			}

			kind, data, err := event.Encode(d.ev)
			if err != nil {
				log.Printf("stream: sse encode user=%d: %v", user.ID, err)
				continue
			}
			if err := writeSSEFrame(w, kind, data); err != nil {
				return
			}
			flusher.Flush()
			metrics.EventsDeliveredTotal.Inc()
			idle = false

		case <-ticker.C:
			if !idle {
				idle = true
				continue
			}
			// Comment frame defeats idle-connection timeouts in proxies.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, name string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
