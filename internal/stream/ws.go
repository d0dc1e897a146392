package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/JefferyWang/chat/internal/auth"
	"github.com/JefferyWang/chat/internal/event"
	"github.com/JefferyWang/chat/internal/metrics"
	"github.com/JefferyWang/chat/internal/registry"
)

// wsFrame is the JSON envelope written to WebSocket clients. The gap
// marker uses kind "gap" with a {"missed": n} payload.
type wsFrame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// wsConn wraps the hijacked connection with a write mutex. Event frames,
// keep-alive pings, and pong replies come from different goroutines, and
// a frame write is more than one Write call on the conn; the mutex keeps
// whole frames contiguous on the wire.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	timeout time.Duration
}

// writeMessage sends one text frame holding data.
func (c *wsConn) writeMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	err := wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// writeFrame sends a single prebuilt frame (ping, pong).
func (c *wsConn) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	err := ws.WriteFrame(c.conn, f)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// readLoop consumes client frames until the connection dies or the client
// sends close. Pings are answered through the shared write mutex; data
// frames carry nothing this server consumes and are drained.
func (c *wsConn) readLoop() error {
	for {
		header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			return err
		}

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return io.EOF
			case ws.OpPing:
				payload := make([]byte, header.Length)
				if header.Length > 0 {
					if _, err := io.ReadFull(reader, payload); err != nil {
						return err
					}
				}
				if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
					return err
				}
			default:
				// Pong: liveness only, payload is discarded below.
				if _, err := io.Copy(io.Discard, reader); err != nil {
					return err
				}
			}
			continue
		}

		if _, err := io.Copy(io.Discard, reader); err != nil {
			return err
		}
	}
}

// ServeWS streams the caller's events over a WebSocket connection for
// clients that prefer it over SSE. Frames, keep-alives, and gap markers
// carry the same semantics as the SSE endpoint.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("stream: ws upgrade failed user=%d: %v", user.ID, err)
		return
	}
	defer conn.Close()
	wc := &wsConn{conn: conn, timeout: h.config.WriteTimeout}

	// The request context dies with the hijacked connection; reads drive
	// cancellation instead.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamID := uuid.New().String()
	sub := h.registry.Subscribe(user.ID)
	defer sub.Close()

	metrics.OpenStreams.WithLabelValues("ws").Inc()
	defer metrics.OpenStreams.WithLabelValues("ws").Dec()
	log.Printf("stream: ws open user=%d stream=%s", user.ID, streamID)
	defer log.Printf("stream: ws closed user=%d stream=%s", user.ID, streamID)

	go func() {
		defer cancel()
		_ = wc.readLoop()
	}()

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
				log.Printf("stream: ws lag user=%d stream=%s missed=%d", user.ID, streamID, d.missed)
				if err := h.writeWSFrame(wc, "gap", gapJSON(d.missed)); err != nil {
					return
				}
				idle = false
				continue
			}
			if d.err != nil {
				return
			}

			kind, data, err := event.Encode(d.ev)
			if err != nil {
				log.Printf("stream: ws encode user=%d: %v", user.ID, err)
				continue
			}
			if err := h.writeWSFrame(wc, kind, data); err != nil {
				return
			}
			metrics.EventsDeliveredTotal.Inc()
			idle = false

		case <-ticker.C:
			if !idle {
				idle = true
				continue
			}
			// Protocol-level ping; the browser answers with a pong.
			if err := wc.writeFrame(ws.NewPingFrame(nil)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeWSFrame(wc *wsConn, kind string, payload []byte) error {
	frame, err := json.Marshal(wsFrame{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return wc.writeMessage(frame)
}
