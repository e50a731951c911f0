// ABOUTME: Consumer-facing item types: Event, GapMarker, and FatalError
// ABOUTME: Decodes KOOK event bodies into typed Events

package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item is anything delivered on the consumer channel.
type Item interface {
	item()
}

// Message types carried in an event's type field.
const (
	TypeText      = 1
	TypeImage     = 2
	TypeVideo     = 3
	TypeFile      = 4
	TypeAudio     = 8
	TypeKMarkdown = 9
	TypeCard      = 10
	TypeSystem    = 255
)

// Channel types.
const (
	ChannelGroup     = "GROUP"
	ChannelPerson    = "PERSON"
	ChannelBroadcast = "BROADCAST"
)

// Event is one domain event.
type Event struct {
	// Sequence and SessionID identify where the event sat in the gateway stream.
	Sequence  uint64
	SessionID string

	ChannelType string
	Type        int
	TargetID    string
	AuthorID    string
	Content     string
	MsgID       string
	Timestamp   time.Time
	Nonce       string

	// Projected from Extra when present.
	AuthorName string
	GuildID    string
	// SystemType is the extra.type of a system event (Type 255).
	SystemType string

	Extra json.RawMessage
}

func (Event) item() {}

// IsSystem reports whether the event is a system notification rather than a message.
func (e Event) IsSystem() bool { return e.Type == TypeSystem }

// GapMarker reports that sequence numbers between After and Next were never received.
type GapMarker struct {
	SessionID string
	After     uint64
	Next      uint64
}

func (GapMarker) item() {}

// Missing returns how many sequence numbers were skipped.
func (g GapMarker) Missing() uint64 {
	if g.Next <= g.After+1 {
		return 0
	}
	return g.Next - g.After - 1
}

// FatalError is the last item before the channel closes when the engine
// stops on its own.
type FatalError struct {
	Err error
}

func (FatalError) item() {}

func (f FatalError) Error() string { return f.Err.Error() }

func (f FatalError) Unwrap() error { return f.Err }

type eventBody struct {
	ChannelType  string          `json:"channel_type"`
	Type         int             `json:"type"`
	TargetID     string          `json:"target_id"`
	AuthorID     string          `json:"author_id"`
	Content      string          `json:"content"`
	MsgID        string          `json:"msg_id"`
	MsgTimestamp int64           `json:"msg_timestamp"`
	Nonce        string          `json:"nonce"`
	Extra        json.RawMessage `json:"extra"`
}

type eventExtra struct {
	// Type is a number for messages and a string for system events.
	Type    json.RawMessage `json:"type"`
	GuildID string          `json:"guild_id"`
	Author  *struct {
		Username string `json:"username"`
	} `json:"author"`
}

// DecodeEvent projects an event body into an Event.
func DecodeEvent(sessionID string, sequence uint64, body json.RawMessage) (Event, error) {
	var b eventBody
	if err := json.Unmarshal(body, &b); err != nil {
		return Event{}, fmt.Errorf("decoding event body: %w", err)
	}

	ev := Event{
		Sequence:    sequence,
		SessionID:   sessionID,
		ChannelType: b.ChannelType,
		Type:        b.Type,
		TargetID:    b.TargetID,
		AuthorID:    b.AuthorID,
		Content:     b.Content,
		MsgID:       b.MsgID,
		Nonce:       b.Nonce,
		Extra:       b.Extra,
	}
	if b.MsgTimestamp > 0 {
		ev.Timestamp = time.UnixMilli(b.MsgTimestamp)
	}

	if len(b.Extra) > 0 && string(b.Extra) != "null" {
		var extra eventExtra
		if err := json.Unmarshal(b.Extra, &extra); err != nil {
			return Event{}, fmt.Errorf("decoding event extra: %w", err)
		}
		ev.GuildID = extra.GuildID
		if extra.Author != nil {
			ev.AuthorName = extra.Author.Username
		}
		if ev.IsSystem() {
			var systemType string
			if json.Unmarshal(extra.Type, &systemType) == nil {
				ev.SystemType = systemType
			}
		}
	}

	return ev, nil
}
