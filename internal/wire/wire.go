// Package wire defines the payload shapes exchanged with the chat backend:
// realtime event frames and REST entities. Every inbound frame decodes to a
// closed set of event variants so downstream handlers never touch raw maps.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Realtime event type discriminators.
const (
	TypeJoin = "chat.join"
	TypeSend = "message.send"
	TypeAck  = "message.ack"
	TypeNew  = "message.new"
)

// Message is a server-confirmed chat entry. Immutable once created.
// ClientNonce joins it back to the optimistic pending entry that produced
// it; SequenceNumber is server-assigned and defines total order within a
// conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	SequenceNumber int64     `json:"sequence_number"`
	ClientNonce    string    `json:"client_nonce"`
	SentAt         time.Time `json:"sent_at"`
}

// Conversation is the list-level projection of a chat.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	UnreadCount  int      `json:"unread_count"`
}

// Event is the closed set of realtime payloads. Implemented by Join, Send,
// Ack, and New only.
type Event interface {
	EventType() string
}

// Join subscribes a user to a conversation's broadcast channel.
type Join struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (Join) EventType() string { return TypeJoin }

// Send carries an outbound message over the realtime channel.
type Send struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	ClientNonce    string    `json:"client_nonce"`
	SentAt         time.Time `json:"sent_at"`
}

func (Send) EventType() string { return TypeSend }

// Ack confirms receipt of a Send, assigning the server id and sequence
// number for the nonce.
type Ack struct {
	Type           string    `json:"type"`
	ClientNonce    string    `json:"client_nonce"`
	MessageID      string    `json:"message_id"`
	SequenceNumber int64     `json:"sequence_number"`
	SentAt         time.Time `json:"sent_at"`
}

func (Ack) EventType() string { return TypeAck }

// New is a broadcast of a confirmed message to all subscribers.
type New struct {
	Type           string    `json:"type"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	SequenceNumber int64     `json:"sequence_number"`
	ClientNonce    string    `json:"client_nonce"`
	SentAt         time.Time `json:"sent_at"`
}

func (New) EventType() string { return TypeNew }

// Message converts the broadcast into its durable Message form.
func (n New) Message() Message {
	return Message{
		ID:             n.ID,
		ConversationID: n.ConversationID,
		SenderID:       n.SenderID,
		Content:        n.Content,
		SequenceNumber: n.SequenceNumber,
		ClientNonce:    n.ClientNonce,
		SentAt:         n.SentAt,
	}
}

// NewFromMessage wraps a REST-fetched message as the broadcast variant so
// polled results flow through the same inbound path as realtime events.
func NewFromMessage(m Message) New {
	return New{
		Type:           TypeNew,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SequenceNumber: m.SequenceNumber,
		ClientNonce:    m.ClientNonce,
		SentAt:         m.SentAt,
	}
}

// Encode marshals an event, stamping its type discriminator.
func Encode(ev Event) ([]byte, error) {
	switch v := ev.(type) {
	case Join:
		v.Type = TypeJoin
		return json.Marshal(v)
	case *Join:
		v.Type = TypeJoin
		return json.Marshal(v)
	case Send:
		v.Type = TypeSend
		return json.Marshal(v)
	case *Send:
		v.Type = TypeSend
		return json.Marshal(v)
	case Ack:
		v.Type = TypeAck
		return json.Marshal(v)
	case *Ack:
		v.Type = TypeAck
		return json.Marshal(v)
	case New:
		v.Type = TypeNew
		return json.Marshal(v)
	case *New:
		v.Type = TypeNew
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("wire: unknown event type %T", ev)
	}
}

// Decode parses an inbound frame into its typed variant.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: parsing frame: %w", err)
	}

	switch head.Type {
	case TypeJoin:
		var ev Join
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("wire: parsing %s: %w", head.Type, err)
		}
		return ev, nil
	case TypeSend:
		var ev Send
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("wire: parsing %s: %w", head.Type, err)
		}
		return ev, nil
	case TypeAck:
		var ev Ack
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("wire: parsing %s: %w", head.Type, err)
		}
		return ev, nil
	case TypeNew:
		var ev New
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("wire: parsing %s: %w", head.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", head.Type)
	}
}
