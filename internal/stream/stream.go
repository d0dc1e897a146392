// Package stream serves live event streams to authenticated clients.
// Each connection subscribes to its user's channel in the registry and
// relays every event as one frame, over SSE or WebSocket, with periodic
// keep-alives and explicit gap markers when the subscriber lagged.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/JefferyWang/chat/internal/event"
	"github.com/JefferyWang/chat/internal/registry"
)

// Config holds tunable parameters for the delivery endpoints.
type Config struct {
	KeepAlive    time.Duration // interval between keep-alive frames on idle streams
	WriteTimeout time.Duration // timeout for WebSocket frame writes
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		KeepAlive:    30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Handler serves the streaming endpoints against one shared registry.
type Handler struct {
	registry  *registry.Registry
	config    Config
	startedAt time.Time
}

// NewHandler creates a stream handler over the given registry.
func NewHandler(reg *registry.Registry, config Config) *Handler {
	return &Handler{registry: reg, config: config, startedAt: time.Now()}
}

// delivery is one item pumped from a subscription to the transport loop.
type delivery struct {
	ev     event.Event
	missed uint64
	err    error
}

// pump forwards subscription reads into a channel so transport loops can
// select between events and their keep-alive timer. It exits when the
// subscription errors out or the context is cancelled.
func pump(ctx context.Context, sub *registry.Subscription, out chan<- delivery) {
	for {
		ev, missed, err := sub.Next(ctx)
		select {
		case out <- delivery{ev: ev, missed: missed, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, registry.ErrLagged) {
			return
		}
	}
}

// gapPayload is the body of the gap marker sent to lagged subscribers.
type gapPayload struct {
	Missed uint64 `json:"missed"`
}

func gapJSON(missed uint64) []byte {
	data, _ := json.Marshal(gapPayload{Missed: missed})
	return data
}

// ServeHealth responds with the server's health status as JSON, including
// the registered channel count and uptime.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status   string `json:"status"`
		Channels int    `json:"channels"`
		Uptime   string `json:"uptime"`
	}{
		Status:   "ok",
		Channels: h.registry.Len(),
		Uptime:   time.Since(h.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}
