// Package email reads unseen mail from a single IMAP inbox and turns
// each message into an [InboundMessage]: the subject plus a plain-text
// body. One [Cycle] covers one connect, search, fetch, disconnect pass
// over the inbox.
package email

import (
	"context"
	"iter"
)

// InboundMessage is one fetched email reduced to what the pipeline
// needs. It is never persisted.
type InboundMessage struct {
	// UID is the IMAP unique identifier within the inbox.
	UID uint32

	// Subject is the decoded Subject header.
	Subject string

	// BodyText is the plain-text body, or the tag-stripped HTML body
	// when there is no text/plain part. Empty means no usable body.
	BodyText string
}

// RawMessage is an undecoded RFC 5322 message as delivered by FETCH.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// Dialer opens authenticated sessions to the mail server.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is the narrow set of mailbox operations one poll cycle uses.
// Implementations need not be goroutine-safe.
type Session interface {
	// Select opens the mailbox read-write.
	Select(ctx context.Context, mailbox string) error

	// SearchUnseen returns the UIDs of messages without \Seen, in
	// server order.
	SearchUnseen(ctx context.Context) ([]uint32, error)

	// Fetch streams the full bodies of uids in one batch. Delivery
	// marks each message seen. A non-nil error is a fetch-level
	// failure, yielded once as the final element.
	Fetch(ctx context.Context, uids []uint32) iter.Seq2[RawMessage, error]

	// MarkSeen sets \Seen on uids.
	MarkSeen(ctx context.Context, uids []uint32) error

	// Close logs out and releases the connection.
	Close() error
}

// State is the poll-cycle state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateMailboxOpen
	StateSearching
	StateFetching
	StateDraining
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateMailboxOpen:  "mailbox_open",
	StateSearching:    "searching",
	StateFetching:     "fetching",
	StateDraining:     "draining",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
