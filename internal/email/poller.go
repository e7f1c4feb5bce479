package email

import (
	"context"
	"iter"
	"log/slog"
	"sync"
)

// Poller opens poll cycles against one mailbox. It holds no
// connection between cycles.
type Poller struct {
	dialer  Dialer
	mailbox string
	logger  *slog.Logger
}

// NewPoller creates a poller. An empty mailbox means INBOX.
func NewPoller(dialer Dialer, mailbox string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if mailbox == "" {
		mailbox = DefaultMailbox
	}
	return &Poller{
		dialer:  dialer,
		mailbox: mailbox,
		logger:  logger.With("mailbox", mailbox),
	}
}

// Open connects, selects the mailbox read-write, and searches for
// unseen messages. Connection or select failures return a
// *ConnectError and a failed search returns a *SearchError; in both
// cases no session is left open. On success the caller must range over
// [Cycle.Messages] or call [Cycle.Close].
func (p *Poller) Open(ctx context.Context) (*Cycle, error) {
	c := &Cycle{mailbox: p.mailbox, logger: p.logger}
	c.setState(StateConnecting)

	sess, err := p.dialer.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		p.logger.Error("IMAP connection error", "error", err)
		return nil, &ConnectError{Stage: "connect", Err: err}
	}
	c.session = sess

	if err := sess.Select(ctx, p.mailbox); err != nil {
		p.logger.Error("error opening mailbox", "error", err)
		c.closeSession()
		return nil, &ConnectError{Stage: "select", Err: err}
	}
	c.setState(StateMailboxOpen)

	c.setState(StateSearching)
	uids, err := sess.SearchUnseen(ctx)
	if err != nil {
		p.logger.Error("error searching for unseen messages", "error", err)
		c.closeSession()
		return nil, &SearchError{Err: err}
	}
	c.uids = uids

	if len(uids) == 0 {
		p.logger.Info("no new emails")
	} else {
		p.logger.Info("unseen messages found", "count", len(uids))
	}
	return c, nil
}

// Cycle is one open poll pass. Its messages can be iterated once.
type Cycle struct {
	session Session
	mailbox string
	uids    []uint32
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	delivered []uint32
	closed    bool
	consumed  bool
}

// Len returns the number of unseen messages the search found.
func (c *Cycle) Len() int { return len(c.uids) }

// UIDs returns the searched UIDs in server order.
func (c *Cycle) UIDs() []uint32 {
	out := make([]uint32, len(c.uids))
	copy(out, c.uids)
	return out
}

// State returns the current state-machine position.
func (c *Cycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cycle) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Log(context.Background(), levelTrace, "poll state", "from", prev, "to", s)
	}
}

// levelTrace mirrors config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// Messages fetches every searched message in one batch and yields
// them in server order. A message that fails to parse yields a
// *ParseError and iteration continues. A fetch-level failure yields a
// *FetchError and ends iteration. When iteration ends, by exhaustion
// or early break, the cycle drains: delivered UIDs are flagged \Seen
// and the session is closed.
//
// A second call yields nothing.
func (c *Cycle) Messages(ctx context.Context) iter.Seq2[InboundMessage, error] {
	return func(yield func(InboundMessage, error) bool) {
		c.mu.Lock()
		if c.consumed || c.closed {
			c.mu.Unlock()
			return
		}
		c.consumed = true
		c.mu.Unlock()

		defer c.drain(ctx)

		if len(c.uids) == 0 {
			return
		}

		c.setState(StateFetching)
		for raw, err := range c.session.Fetch(ctx, c.uids) {
			if err != nil {
				c.logger.Error("fetch error", "error", err)
				yield(InboundMessage{}, &FetchError{Err: err})
				return
			}

			c.mu.Lock()
			c.delivered = append(c.delivered, raw.UID)
			c.mu.Unlock()

			msg, err := ParseMessage(raw.Body)
			msg.UID = raw.UID
			if err != nil {
				c.logger.Error("error parsing email", "uid", raw.UID, "error", err)
				if !yield(msg, &ParseError{UID: raw.UID, Err: err}) {
					return
				}
				continue
			}

			c.logger.Debug("parsed email", "uid", msg.UID, "subject", msg.Subject, "body_len", len(msg.BodyText))
			if !yield(msg, nil) {
				return
			}
		}
		c.logger.Info("finished fetching emails")
	}
}

// drain flags delivered messages and ends the session. Messages were
// fetched without PEEK, so the explicit flag only guards servers that
// do not set \Seen implicitly.
func (c *Cycle) drain(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delivered := append([]uint32(nil), c.delivered...)
	c.mu.Unlock()

	c.setState(StateDraining)
	if len(delivered) > 0 {
		if err := c.session.MarkSeen(ctx, delivered); err != nil {
			c.logger.Warn("failed to flag messages seen", "count", len(delivered), "error", err)
		}
	}
	c.closeSession()
}

// Close ends the cycle without fetching. Safe to call more than once
// and after Messages has been consumed.
func (c *Cycle) Close() error {
	c.mu.Lock()
	c.consumed = true
	c.mu.Unlock()
	c.closeSession()
	return nil
}

func (c *Cycle) closeSession() {
	c.mu.Lock()
	if c.closed || c.session == nil {
		c.closed = true
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.session
	c.mu.Unlock()

	if err := sess.Close(); err != nil {
		c.logger.Debug("session close failed", "error", err)
	}
	c.setState(StateDisconnected)
	c.logger.Info("IMAP connection ended")
}
