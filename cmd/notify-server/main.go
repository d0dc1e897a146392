package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JefferyWang/chat/internal/auth"
	"github.com/JefferyWang/chat/internal/capture"
	"github.com/JefferyWang/chat/internal/event"
	"github.com/JefferyWang/chat/internal/metrics"
	"github.com/JefferyWang/chat/internal/ratelimit"
	"github.com/JefferyWang/chat/internal/registry"
	"github.com/JefferyWang/chat/internal/resolve"
	"github.com/JefferyWang/chat/internal/store"
	"github.com/JefferyWang/chat/internal/stream"
)

func main() {
	listenAddr := "0.0.0.0:6687"
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		listenAddr = addr
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	keyFile := os.Getenv("AUTH_PUBLIC_KEY_FILE")
	if keyFile == "" {
		log.Fatalf("AUTH_PUBLIC_KEY_FILE is required")
	}

	captureConfig := capture.DefaultConfig()
	captureConfig.DSN = dsn
	if v := os.Getenv("NOTIFY_CHANNEL"); v != "" {
		captureConfig.Channel = v
	}

	source := "pg"
	if v := os.Getenv("NOTIFY_SOURCE"); v != "" {
		source = v
	}

	streamConfig := stream.DefaultConfig()
	if v := os.Getenv("KEEPALIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			streamConfig.KeepAlive = d
		}
	}

	channelBuffer := registry.DefaultChannelBuffer
	if v := os.Getenv("CHANNEL_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			channelBuffer = n
		}
	}

	sweepInterval := registry.DefaultSweepInterval
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sweepInterval = d
		}
	}

	// --- Auth ---
	pemBytes, err := os.ReadFile(keyFile)
	if err != nil {
		log.Fatalf("failed to read public key %s: %v", keyFile, err)
	}
	verifier, err := auth.NewVerifier(pemBytes)
	if err != nil {
		log.Fatalf("failed to load public key: %v", err)
	}

	// --- Store ---
	if os.Getenv("RUN_MIGRATIONS") == "true" {
		if err := store.RunMigrations(dsn); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Printf("migrations applied")
	}
	db, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Optional Redis: read-through membership cache plus stream-open
	// rate limiting. Without Redis both fall back to direct lookups and
	// unthrottled opens.
	var members resolve.MembershipSource = db
	var limiter *ratelimit.Limiter
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		members = store.NewMembershipCache(client, db, store.DefaultMembersTTL)
		limiter = ratelimit.NewLimiter(client)
		defer client.Close()
	}

	resolver := resolve.New(members)
	reg := registry.New(channelBuffer)

	log.Printf("notify server starting")
	log.Printf("  listen_addr:     %s", listenAddr)
	log.Printf("  notify_source:   %s", source)
	log.Printf("  notify_channel:  %s", captureConfig.Channel)
	log.Printf("  channel_buffer:  %d", channelBuffer)
	log.Printf("  keepalive:       %s", streamConfig.KeepAlive)
	log.Printf("  sweep_interval:  %s", sweepInterval)
	if redisAddr != "" {
		log.Printf("  redis_addr:      %s", redisAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fan-out: resolve each captured event to its recipients and publish
	// into every recipient's channel. Offline users are dropped silently.
	fanOut := func(ctx context.Context, ev event.Event) {
		recipients, err := resolver.Resolve(ctx, ev)
		if err != nil {
			metrics.EventsDroppedTotal.WithLabelValues("resolve_error").Inc()
			log.Printf("resolve %s chat=%d: %v", ev.Kind(), ev.AffectedChat(), err)
			return
		}
		for _, id := range recipients {
			if !reg.Publish(id, ev) {
				metrics.EventsDroppedTotal.WithLabelValues("offline").Inc()
			}
		}
		metrics.RegisteredChannels.Set(float64(reg.Len()))
	}

	// --- Change capture ---
	switch source {
	case "pg":
		listener := capture.New(captureConfig, fanOut)
		if err := listener.Start(ctx); err != nil {
			log.Fatalf("failed to start change capture: %v", err)
		}
	case "nats":
		natsConfig := capture.DefaultNATSConfig()
		if v := os.Getenv("NATS_URL"); v != "" {
			natsConfig.URL = v
		}
		natsSource, err := capture.NewNATSSource(natsConfig, fanOut)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		if err := natsSource.Start(ctx); err != nil {
			log.Fatalf("failed to start NATS capture: %v", err)
		}
	default:
		log.Fatalf("unknown NOTIFY_SOURCE %q (want pg or nats)", source)
	}

	reg.StartSweeper(ctx, sweepInterval)

	// --- HTTP ---
	handler := stream.NewHandler(reg, streamConfig)
	limited := func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return ratelimit.Middleware(limiter, ratelimit.RuleStreamOpen, next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", handler.ServeIndex)
	mux.Handle("/events", auth.RequireUser(verifier, limited(http.HandlerFunc(handler.ServeSSE))))
	mux.Handle("/ws", auth.RequireUser(verifier, limited(http.HandlerFunc(handler.ServeWS))))
	mux.HandleFunc("/health", handler.ServeHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
		// Streaming requests inherit this context, so cancelling it on
		// shutdown unblocks every open stream.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("listening on %s", listenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
