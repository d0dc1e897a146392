package capture

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds connection settings for the NATS notification source.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Subject       string        // subject carrying change envelopes
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Subject:       "chat.events",
		Name:          "notify-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSSource is an alternative change-notification source for deployments
// where the chat server publishes the same envelopes to a NATS subject
// instead of pg_notify. Decode semantics and error handling match the
// Postgres listener: delivery resumes from "now" after a reconnect and
// payloads that fail to decode affect only themselves.
type NATSSource struct {
	config  NATSConfig
	handler Handler
	conn    *nats.Conn
	sub     *nats.Subscription
}

// NewNATSSource connects to NATS and returns a ready source. It returns
// an error if the initial connection fails, which is fatal at startup.
func NewNATSSource(config NATSConfig, handler Handler) (*NATSSource, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("capture: nats disconnected: %v", err)
			} else {
				log.Printf("capture: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("capture: nats reconnected to %s, resuming from now", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("capture: nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("capture: nats connect: %w", err)
	}

	log.Printf("capture: nats connected to %s", nc.ConnectedUrl())
	return &NATSSource{config: config, handler: handler, conn: nc}, nil
}

// Start subscribes to the configured subject. The subscription stays up
// until the context is cancelled.
func (s *NATSSource) Start(ctx context.Context) error {
	sub, err := s.conn.Subscribe(s.config.Subject, func(msg *nats.Msg) {
		dispatch(ctx, s.handler, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("capture: nats subscribe %s: %w", s.config.Subject, err)
	}
	s.sub = sub

	log.Printf("capture: listening on nats subject %q", s.config.Subject)
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// Close drains the subscription and closes the connection.
func (s *NATSSource) Close() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			log.Printf("capture: nats drain %s: %v", s.config.Subject, err)
		}
		s.sub = nil
	}
	if !s.conn.IsClosed() {
		if err := s.conn.Drain(); err != nil {
			log.Printf("capture: nats connection drain: %v", err)
		}
	}
}
