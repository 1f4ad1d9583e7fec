package delivery

import (
	"sort"
	"time"

	"github.com/emberapp/chatlink/internal/wire"
)

// PendingStatus is the lifecycle of an optimistic entry.
type PendingStatus string

const (
	// StatusSending means a delivery attempt is in flight or awaiting ack.
	StatusSending PendingStatus = "sending"

	// StatusFailed means every transport rejected the message; only an
	// explicit Retry moves it back to sending.
	StatusFailed PendingStatus = "failed"
)

// Pending is an optimistic outbound message awaiting server confirmation.
// It is keyed by ClientNonce for its whole life.
type Pending struct {
	Nonce          string        `json:"nonce"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Status         PendingStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	CreatedAt      time.Time     `json:"created_at"`

	// LastError is the human-readable cause shown next to a failed entry.
	// Empty unless Status is failed.
	LastError string `json:"last_error,omitempty"`
}

// Entry is one row of the merged conversation view: either a confirmed
// Message or a Pending optimistic entry, never both.
type Entry struct {
	Message wire.Message
	Pending *Pending
}

// Confirmed reports whether the entry is server-confirmed.
func (e Entry) Confirmed() bool { return e.Pending == nil }

// mergeView combines confirmed messages and pending entries into one list.
// The server-assigned sequence number is the total order for confirmed
// messages; timestamps never reorder them (the broadcast and HTTP
// confirmation paths can disagree on sent_at across a clock step). Pending
// entries order by CreatedAt and interleave against the confirmed
// timestamps, sorting after a confirmed message with the same instant since
// the server has not placed them yet.
func mergeView(confirmed []wire.Message, pending []Pending) []Entry {
	msgs := append([]wire.Message{}, confirmed...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SequenceNumber != msgs[j].SequenceNumber {
			return msgs[i].SequenceNumber < msgs[j].SequenceNumber
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})

	pend := append([]Pending{}, pending...)
	sort.SliceStable(pend, func(i, j int) bool {
		return pend[i].CreatedAt.Before(pend[j].CreatedAt)
	})

	out := make([]Entry, 0, len(msgs)+len(pend))
	i, j := 0, 0
	for i < len(msgs) && j < len(pend) {
		if pend[j].CreatedAt.Before(msgs[i].SentAt) {
			p := pend[j]
			out = append(out, Entry{Pending: &p})
			j++
		} else {
			out = append(out, Entry{Message: msgs[i]})
			i++
		}
	}
	for ; i < len(msgs); i++ {
		out = append(out, Entry{Message: msgs[i]})
	}
	for ; j < len(pend); j++ {
		p := pend[j]
		out = append(out, Entry{Pending: &p})
	}
	return out
}
