// Package capture maintains the persistent subscription to the data
// store's change-notification channel, decodes raw payloads into events,
// and hands them to the fan-out handler. One listener runs per process
// for the process's lifetime.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/JefferyWang/chat/internal/event"
	"github.com/JefferyWang/chat/internal/metrics"
)

// Handler consumes every successfully decoded event. Implementations must
// not block on slow clients; the registry's publish step never does.
type Handler func(ctx context.Context, ev event.Event)

// State is the listener's connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	default:
		return "disconnected"
	}
}

// Config holds the Postgres listener settings.
type Config struct {
	DSN          string        // Postgres connection string
	Channel      string        // notification channel to LISTEN on
	MinReconnect time.Duration // initial reconnect backoff
	MaxReconnect time.Duration // backoff ceiling
	PingInterval time.Duration // idle-connection probe interval
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Channel:      "chat_events",
		MinReconnect: 2 * time.Second,
		MaxReconnect: time.Minute,
		PingInterval: 90 * time.Second,
	}
}

// Listener is the change-capture worker. Start must succeed for the
// process to come up; afterwards connection loss is retried forever with
// backoff. Notifications emitted by the store during a disconnect window
// are lost, not replayed: the listener resumes from "now" on reconnect.
type Listener struct {
	config  Config
	handler Handler
	state   atomic.Int32
	pl      *pq.Listener
}

// New creates a listener; call Start to establish the subscription.
func New(config Config, handler Handler) *Listener {
	return &Listener{config: config, handler: handler}
}

// Start opens the Postgres connection and issues LISTEN on the configured
// channel. A failure here is fatal to process startup. On success the
// listen loop runs in the background until the context is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	l.setState(StateConnecting)

	l.pl = pq.NewListener(l.config.DSN, l.config.MinReconnect, l.config.MaxReconnect, l.onConnEvent)
	if err := l.pl.Listen(l.config.Channel); err != nil {
		l.pl.Close()
		l.setState(StateDisconnected)
		return fmt.Errorf("capture: listen on %q: %w", l.config.Channel, err)
	}
	l.setState(StateListening)

	log.Printf("capture: listening on channel %q", l.config.Channel)
	go l.run(ctx)
	return nil
}

// State returns the listener's current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	metrics.ListenerState.Set(float64(s))
}

// onConnEvent tracks the underlying connection lifecycle reported by pq.
// Reconnection with backoff is handled inside pq; this callback only
// keeps the state machine honest.
func (l *Listener) onConnEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		// Initial connect; Listen has not completed yet.
	case pq.ListenerEventDisconnected:
		l.setState(StateDisconnected)
		log.Printf("capture: connection lost: %v", err)
	case pq.ListenerEventConnectionAttemptFailed:
		l.setState(StateConnecting)
		log.Printf("capture: reconnect attempt failed: %v", err)
	case pq.ListenerEventReconnected:
		l.setState(StateListening)
		log.Printf("capture: reconnected, resuming from now (in-flight notifications lost)")
	}
}

// run consumes notifications until the context is cancelled. The handoff
// to the handler is synchronous; it must not block, and fan-out does not.
func (l *Listener) run(ctx context.Context) {
	defer func() {
		l.pl.Close()
		l.setState(StateDisconnected)
		log.Println("capture: listener stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case n := <-l.pl.Notify:
			if n == nil {
				// pq signals a completed reconnect with a nil notification.
				continue
			}
			dispatch(ctx, l.handler, []byte(n.Extra))

		case <-time.After(l.config.PingInterval):
			// Probe the connection when idle so a dead link is noticed
			// and pq's reconnect machinery kicks in.
			go func() {
				if err := l.pl.Ping(); err != nil {
					log.Printf("capture: ping failed: %v", err)
				}
			}()
		}
	}
}

// dispatch decodes one raw notification payload and forwards the event.
// Decode failures affect only the single notification: malformed payloads
// and unrecognized kinds are logged and skipped.
func dispatch(ctx context.Context, h Handler, raw []byte) {
	ev, err := event.Decode(raw)
	switch {
	case errors.Is(err, event.ErrUnknownKind):
		metrics.NotificationsTotal.WithLabelValues("unknown_kind").Inc()
		log.Printf("capture: ignoring notification: %v", err)
		return
	case err != nil:
		metrics.NotificationsTotal.WithLabelValues("decode_error").Inc()
		log.Printf("capture: dropping notification: %v", err)
		return
	}

	metrics.NotificationsTotal.WithLabelValues("dispatched").Inc()
	h(ctx, ev)
}
