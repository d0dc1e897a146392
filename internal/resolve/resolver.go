// Package resolve maps a decoded change event to the set of user ids that
// must receive it. Events that carry their member list resolve without
// I/O; membership events consult the persistence layer for the chat's
// authoritative member set.
package resolve

import (
	"context"
	"fmt"

	"github.com/JefferyWang/chat/internal/event"
)

// MembershipSource provides the authoritative member list for a chat.
// Backed by Postgres in production; tests inject a fake.
type MembershipSource interface {
	ChatMembers(ctx context.Context, chatID int64) ([]int64, error)
}

// Resolver computes recipient sets for change events.
type Resolver struct {
	members MembershipSource
}

// New creates a resolver backed by the given membership source.
func New(members MembershipSource) *Resolver {
	return &Resolver{members: members}
}

// Resolve returns the ids of every user that must observe the event.
// The result is a set: order carries no meaning and ids never repeat.
// A membership lookup failure returns an error; the caller drops the
// event for fan-out and must not retry it.
func (r *Resolver) Resolve(ctx context.Context, ev event.Event) ([]int64, error) {
	switch e := ev.(type) {
	case *event.NewMessage:
		if len(e.Members) > 0 {
			return dedupe(e.Members), nil
		}
		members, err := r.members.ChatMembers(ctx, e.ChatID)
		if err != nil {
			return nil, fmt.Errorf("resolve: members of chat %d: %w", e.ChatID, err)
		}
		return dedupe(members), nil

	case *event.ChatCreated:
		return dedupe(e.Chat.Members), nil

	case *event.MemberAdded:
		members, err := r.members.ChatMembers(ctx, e.ChatID)
		if err != nil {
			return nil, fmt.Errorf("resolve: members of chat %d: %w", e.ChatID, err)
		}
		// The new member may not be visible in the lookup yet.
		return dedupe(append(members, e.UserID)), nil

	case *event.MemberRemoved:
		members, err := r.members.ChatMembers(ctx, e.ChatID)
		if err != nil {
			return nil, fmt.Errorf("resolve: members of chat %d: %w", e.ChatID, err)
		}
		// The removed user must still learn they were removed.
		return dedupe(append(members, e.UserID)), nil

	default:
		return nil, fmt.Errorf("resolve: unhandled event variant %T", ev)
	}
}

// dedupe returns the ids with duplicates removed, preserving first-seen
// order so repeated resolution of the same snapshot is deterministic.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
