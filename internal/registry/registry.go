// Package registry maintains the process-wide mapping from user id to
// that user's broadcast channel. Every live connection for a user shares
// one channel; publishing to an offline user is a no-op. The map is
// sharded so that unrelated users' connect/disconnect churn does not
// contend on a single lock.
package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/JefferyWang/chat/internal/event"
)

const (
	numShards = 32

	// DefaultSweepInterval is how often the reaper scans for channels with
	// no remaining subscribers.
	DefaultSweepInterval = 30 * time.Second
)

type shard struct {
	mu       sync.RWMutex
	channels map[int64]*Channel
}

// Registry is the concurrent user-id -> channel map. Construct one per
// process with New and pass it explicitly to the capture listener and
// every delivery endpoint.
type Registry struct {
	shards [numShards]shard
	buffer int
}

// New creates an empty registry whose channels buffer the given number of
// in-flight events (DefaultChannelBuffer if <= 0).
func New(buffer int) *Registry {
	r := &Registry{buffer: buffer}
	for i := range r.shards {
		r.shards[i].channels = make(map[int64]*Channel)
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	return &r.shards[uint64(userID)%numShards]
}

// GetOrCreate returns the user's channel, creating it if absent. Lookup
// and insert happen under one shard lock, so concurrent calls for the
// same user always observe the same channel instance.
func (r *Registry) GetOrCreate(userID int64) *Channel {
	s := r.shardFor(userID)
	s.mu.Lock()
	ch, ok := s.channels[userID]
	if !ok {
		ch = newChannel(r.buffer)
		s.channels[userID] = ch
	}
	s.mu.Unlock()
	return ch
}

// Subscribe attaches a new subscription to the user's channel, creating
// the channel on first use. It retries if the reaper closed the channel
// between lookup and attach.
func (r *Registry) Subscribe(userID int64) *Subscription {
	for {
		sub, err := r.GetOrCreate(userID).Subscribe()
		if err == nil {
			return sub
		}
		// Channel was reaped between GetOrCreate and Subscribe; the next
		// GetOrCreate produces a fresh one.
	}
}

// Publish delivers an event to the user's channel if one exists. It is a
// silent no-op for offline users and never allocates a channel.
func (r *Registry) Publish(userID int64, ev event.Event) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	ch := s.channels[userID]
	s.mu.RUnlock()

	if ch == nil {
		return false
	}
	ch.Publish(ev)
	return true
}

// Len returns the number of registered channels across all shards.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.channels)
		s.mu.RUnlock()
	}
	return n
}

// Sweep removes every channel that has had zero subscribers for two
// consecutive sweeps. The idle check and the close happen atomically
// inside reapIfIdle, so a concurrently connecting subscriber either finds
// the channel still live or creates a fresh one via the Subscribe retry.
// Returns the number of channels reaped.
func (r *Registry) Sweep() int {
	reaped := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userID, ch := range s.channels {
			if ch.reapIfIdle() {
				delete(s.channels, userID)
				reaped++
			}
		}
		s.mu.Unlock()
	}
	return reaped
}

// StartSweeper runs Sweep on the given interval until the context is
// cancelled. Idle registry entries would otherwise accumulate for every
// user who ever connected.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("registry: sweeper stopped")
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					log.Printf("registry: reaped %d idle channels (remaining=%d)", n, r.Len())
				}
			}
		}
	}()
}
