// Package event defines the change events emitted by the chat data store
// and the envelope format they travel in. All events are serialized as
// JSON and follow a consistent envelope with a kind discriminator.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event kind constants
// ---------------------------------------------------------------------------

const (
	KindNewMessage    = "new_message"
	KindChatCreated   = "chat_created"
	KindMemberAdded   = "member_added"
	KindMemberRemoved = "member_removed"
)

// ErrUnknownKind is returned by Decode for envelope kinds this server does
// not recognize. The capture listener treats it as non-fatal and skips the
// notification.
var ErrUnknownKind = errors.New("event: unknown kind")

// ---------------------------------------------------------------------------
// Domain rows carried by events
// ---------------------------------------------------------------------------

// Chat mirrors the chats row attached to chat lifecycle events.
type Chat struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type"` // single | group | private_channel | public_channel
	Members   []int64   `json:"members"`
	WsID      int64     `json:"ws_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message mirrors the messages row attached to NewMessage events.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	Files     []string  `json:"files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Event variants
// ---------------------------------------------------------------------------

// Event is the closed set of change events. Each variant reports the chat
// it belongs to; consumers switch on the concrete type and must handle
// every variant. Events are immutable once decoded and are shared by
// pointer between all recipients.
type Event interface {
	// Kind returns the envelope discriminator for this variant.
	Kind() string
	// AffectedChat returns the id of the chat this event belongs to.
	AffectedChat() int64

	sealed()
}

// NewMessage is emitted when a message is inserted into a chat. The notify
// trigger attaches the chat's member list so resolution needs no lookup;
// Members may be empty if the emitting side did not include it.
type NewMessage struct {
	Message
	Members []int64 `json:"chat_members,omitempty"`
}

// ChatCreated is emitted when a chat is created. The chat row embeds the
// full member list.
type ChatCreated struct {
	Chat
}

// MemberAdded is emitted when a user is added to an existing chat.
type MemberAdded struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	ActorID   int64     `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MemberRemoved is emitted when a user is removed from a chat.
type MemberRemoved struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	ActorID   int64     `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *NewMessage) Kind() string    { return KindNewMessage }
func (e *ChatCreated) Kind() string   { return KindChatCreated }
func (e *MemberAdded) Kind() string   { return KindMemberAdded }
func (e *MemberRemoved) Kind() string { return KindMemberRemoved }

func (e *NewMessage) AffectedChat() int64    { return e.ChatID }
func (e *ChatCreated) AffectedChat() int64   { return e.ID }
func (e *MemberAdded) AffectedChat() int64   { return e.ChatID }
func (e *MemberRemoved) AffectedChat() int64 { return e.ChatID }

func (e *NewMessage) sealed()    {}
func (e *ChatCreated) sealed()   {}
func (e *MemberAdded) sealed()   {}
func (e *MemberRemoved) sealed() {}

// ---------------------------------------------------------------------------
// Envelope encode / decode
// ---------------------------------------------------------------------------

// Envelope is the wire format the data store emits on the notification
// channel: a kind discriminator, the chat id, and the variant payload.
type Envelope struct {
	Kind    string          `json:"kind"`
	ChatID  int64           `json:"chat_id"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a raw notification payload into a typed Event. Unknown
// kinds return ErrUnknownKind; malformed JSON returns a wrapped decode
// error. Both are non-fatal to the caller's listen loop.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("event: failed to parse envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("event: missing or empty \"kind\" field")
	}

	var (
		ev  Event
		err error
	)

	switch env.Kind {
	case KindNewMessage:
		var e NewMessage
		err = json.Unmarshal(env.Payload, &e)
		ev = &e
	case KindChatCreated:
		var e ChatCreated
		err = json.Unmarshal(env.Payload, &e)
		ev = &e
	case KindMemberAdded:
		var e MemberAdded
		err = json.Unmarshal(env.Payload, &e)
		ev = &e
	case KindMemberRemoved:
		var e MemberRemoved
		err = json.Unmarshal(env.Payload, &e)
		ev = &e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("event: failed to decode %q payload: %w", env.Kind, err)
	}
	return ev, nil
}

// Encode marshals an event back into a delivery frame: the kind string
// (used as the SSE event name) and the JSON payload written to clients.
// The switch is exhaustive over the closed variant set.
func Encode(ev Event) (kind string, data []byte, err error) {
	switch e := ev.(type) {
	case *NewMessage:
		data, err = json.Marshal(e)
	case *ChatCreated:
		data, err = json.Marshal(e)
	case *MemberAdded:
		data, err = json.Marshal(e)
	case *MemberRemoved:
		data, err = json.Marshal(e)
	default:
		return "", nil, fmt.Errorf("event: cannot encode unknown variant %T", ev)
	}
	if err != nil {
		return "", nil, fmt.Errorf("event: failed to marshal %q: %w", ev.Kind(), err)
	}
	return ev.Kind(), data, nil
}
