package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// maxRawMessageSize bounds how much of one message literal is
// buffered. The rest is drained to keep the IMAP stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// IMAPDialer connects to the configured server with go-imap/v2.
type IMAPDialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewIMAPDialer creates a dialer for cfg. No connection is made until
// Dial.
func NewIMAPDialer(cfg Config, logger *slog.Logger) *IMAPDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPDialer{cfg: cfg, logger: logger}
}

// Dial connects and logs in. The session is tied to ctx: when ctx is
// done the connection is closed, failing any command still waiting on
// the server.
func (d *IMAPDialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))

	d.logger.Debug("connecting to IMAP server", "host", d.cfg.Host, "port", d.cfg.Port, "tls", d.cfg.TLS)

	var conn net.Conn
	var err error
	if d.cfg.TLS {
		dialer := &tls.Dialer{Config: &tls.Config{
			ServerName:         d.cfg.Host,
			InsecureSkipVerify: d.cfg.InsecureSkipVerify, //nolint:gosec // explicit opt-in
		}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	client := imapclient.New(conn, &imapclient.Options{})
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	if err := client.Login(d.cfg.Username, d.cfg.Password).Wait(); err != nil {
		stop()
		_ = client.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("login as %s: %w", d.cfg.Username, err)
	}

	d.logger.Info("IMAP connected", "host", d.cfg.Host, "user", d.cfg.Username)
	return &imapSession{client: client, ctx: ctx, stop: stop, logger: d.logger}, nil
}

type imapSession struct {
	client *imapclient.Client
	ctx    context.Context // dial context; its end closes client
	stop   func() bool
	logger *slog.Logger
}

// begin refuses to start a command once the session or call context
// is done, and otherwise closes the connection if ctx ends while the
// command is in flight. The returned func releases that hook.
func (s *imapSession) begin(ctx context.Context) (func() bool, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return context.AfterFunc(ctx, func() { _ = s.client.Close() }), nil
}

// cause prefers a context error, since a cancelled command surfaces
// from go-imap as a closed-connection error.
func (s *imapSession) cause(ctx context.Context, err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *imapSession) Select(ctx context.Context, mailbox string) error {
	stop, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("select %s: %w", mailbox, err)
	}
	defer stop()

	if _, err := s.client.Select(mailbox, &imap.SelectOptions{ReadOnly: false}).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", mailbox, s.cause(ctx, err))
	}
	return nil
}

func (s *imapSession) SearchUnseen(ctx context.Context) ([]uint32, error) {
	stop, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer stop()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, s.cause(ctx, err)
	}

	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *imapSession) Fetch(ctx context.Context, uids []uint32) iter.Seq2[RawMessage, error] {
	return func(yield func(RawMessage, error) bool) {
		stop, err := s.begin(ctx)
		if err != nil {
			yield(RawMessage{}, err)
			return
		}
		defer stop()

		uidSet := imap.UIDSet{}
		for _, uid := range uids {
			uidSet.AddNum(imap.UID(uid))
		}

		fetchOpts := &imap.FetchOptions{
			UID: true,
			BodySection: []*imap.FetchItemBodySection{
				{Peek: false}, // BODY[] without PEEK sets \Seen.
			},
		}

		fetchCmd := s.client.Fetch(uidSet, fetchOpts)
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			if !yield(s.collect(msg), nil) {
				_ = fetchCmd.Close()
				return
			}
		}

		if err := fetchCmd.Close(); err != nil {
			yield(RawMessage{}, s.cause(ctx, err))
		}
	}
}

// collect reads one message's items. The body literal is consumed
// immediately; go-imap/v2 discards unread literals on the next item.
func (s *imapSession) collect(msg *imapclient.FetchMessageData) RawMessage {
	var raw RawMessage
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			raw.UID = uint32(data.UID)
		case imapclient.FetchItemDataBodySection:
			if data.Literal == nil {
				continue
			}
			body, err := io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if err != nil {
				s.logger.Debug("error reading body literal", "seq", msg.SeqNum, "error", err)
				continue
			}
			raw.Body = body
		}
	}
	return raw
}

func (s *imapSession) MarkSeen(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	stop, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("store flags: %w", err)
	}
	defer stop()

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	storeCmd := s.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("store flags: %w", s.cause(ctx, err))
	}
	return nil
}

// Close logs out while the session context still bounds the wait.
func (s *imapSession) Close() error {
	if s.ctx.Err() != nil {
		s.stop()
		return nil // closed when the context ended
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("IMAP logout failed", "error", err)
	}
	s.stop()
	return s.client.Close()
}
