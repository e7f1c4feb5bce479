package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mailsite/internal/content"
	"github.com/nugget/mailsite/internal/email"
	"github.com/nugget/mailsite/internal/extract"
)

// fakeMailbox serves as both email.Dialer and email.Session.
type fakeMailbox struct {
	mu       sync.Mutex
	raw      map[uint32][]byte
	order    []uint32
	seen     map[uint32]bool
	dialErr  error
	fetchErr error
	closed   int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{raw: map[uint32][]byte{}, seen: map[uint32]bool{}}
}

func (m *fakeMailbox) deliver(uid uint32, subject, body string) {
	m.raw[uid] = []byte(fmt.Sprintf("From: owner@example.com\r\nSubject: %s\r\nContent-Type: text/plain\r\n\r\n%s\r\n", subject, body))
	m.order = append(m.order, uid)
}

func (m *fakeMailbox) Dial(context.Context) (email.Session, error) {
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	return m, nil
}

func (m *fakeMailbox) Select(context.Context, string) error { return nil }

func (m *fakeMailbox) SearchUnseen(context.Context) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, uid := range m.order {
		if !m.seen[uid] {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (m *fakeMailbox) Fetch(_ context.Context, uids []uint32) iter.Seq2[email.RawMessage, error] {
	return func(yield func(email.RawMessage, error) bool) {
		for _, uid := range uids {
			m.mu.Lock()
			m.seen[uid] = true
			body := m.raw[uid]
			m.mu.Unlock()
			if !yield(email.RawMessage{UID: uid, Body: body}, nil) {
				return
			}
		}
		if m.fetchErr != nil {
			yield(email.RawMessage{}, m.fetchErr)
		}
	}
}

func (m *fakeMailbox) MarkSeen(_ context.Context, uids []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		m.seen[uid] = true
	}
	return nil
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

// echoExtractor returns the body verbatim unless it is listed in
// noContent, in which case it reports nothing found.
type echoExtractor struct {
	noContent map[string]bool
	err       error
	calls     int
}

func (e *echoExtractor) Extract(_ context.Context, body string) (string, error) {
	e.calls++
	if e.err != nil {
		return "", &extract.Error{Err: e.err}
	}
	if body == "" || e.noContent[body] {
		return "", nil
	}
	return body, nil
}

type failingUpdater struct{ err error }

func (f failingUpdater) Update(content.Page, string) error { return f.err }

type recorderFunc func(context.Context, *Result) error

func (f recorderFunc) Record(ctx context.Context, r *Result) error { return f(ctx, r) }

type notifierFunc func(context.Context, *Result) error

func (f notifierFunc) Notify(ctx context.Context, r *Result) error { return f(ctx, r) }

func newStore(t *testing.T) *content.Store {
	t.Helper()
	return content.NewStore(filepath.Join(t.TempDir(), "content.json"), nil)
}

func TestRun_EndToEnd(t *testing.T) {
	mb := newFakeMailbox()
	mb.deliver(1, "About Page", "New about text")
	mb.deliver(2, "Newsletter", "hi")

	store := newStore(t)
	ext := &echoExtractor{noContent: map[string]bool{"hi": true}}
	o := New(FromPoller(email.NewPoller(mb, "", nil)), ext, store, nil)

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Processed != 1 {
		t.Errorf("Processed = %d, want 1", res.Processed)
	}
	if res.Fetched != 2 {
		t.Errorf("Fetched = %d, want 2", res.Fetched)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %+v, want none", res.Errors)
	}
	if res.RunID == "" {
		t.Error("RunID should be set")
	}
	if !res.OK() {
		t.Errorf("Fatal = %q", res.Fatal)
	}

	doc := store.Load()
	if doc.About != "New about text" {
		t.Errorf("about = %q, want %q", doc.About, "New about text")
	}
	if doc.Contact != content.DefaultContact {
		t.Errorf("contact changed: %q", doc.Contact)
	}
	if len(doc.Blog) != 0 {
		t.Errorf("blog changed: %+v", doc.Blog)
	}

	if !mb.seen[1] || !mb.seen[2] {
		t.Error("both messages should be marked seen")
	}
	if mb.closed != 1 {
		t.Errorf("session closed %d times, want 1", mb.closed)
	}
	// Unrecognized subject never reaches the extractor.
	if ext.calls != 1 {
		t.Errorf("extractor calls = %d, want 1", ext.calls)
	}
}

func TestRun_SentinelLeavesDocumentUnchanged(t *testing.T) {
	mb := newFakeMailbox()
	mb.deliver(5, "blog", "nothing useful")

	store := newStore(t)
	ext := &echoExtractor{noContent: map[string]bool{"nothing useful": true}}
	res, err := New(FromPoller(email.NewPoller(mb, "", nil)), ext, store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 0 || res.Skipped != 1 {
		t.Errorf("Processed=%d Skipped=%d, want 0/1", res.Processed, res.Skipped)
	}
	if doc := store.Load(); len(doc.Blog) != 0 {
		t.Errorf("blog = %+v, want empty", doc.Blog)
	}
}

func TestRun_BlogAppendsInServerOrder(t *testing.T) {
	mb := newFakeMailbox()
	mb.deliver(10, "Blog one", "First post")
	mb.deliver(11, "blog two", "Second post")

	day := time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)
	store := content.NewStore(filepath.Join(t.TempDir(), "content.json"), nil,
		content.WithClock(func() time.Time { return day }))

	res, err := New(FromPoller(email.NewPoller(mb, "", nil)), &echoExtractor{}, store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 2 {
		t.Fatalf("Processed = %d, want 2", res.Processed)
	}
	doc := store.Load()
	want := []content.BlogEntry{
		{Date: "2026-05-01", Content: "First post"},
		{Date: "2026-05-01", Content: "Second post"},
	}
	if len(doc.Blog) != len(want) {
		t.Fatalf("blog = %+v", doc.Blog)
	}
	for i := range want {
		if doc.Blog[i] != want[i] {
			t.Errorf("blog[%d] = %+v, want %+v", i, doc.Blog[i], want[i])
		}
	}
}

func TestRun_EmptyBodySkipped(t *testing.T) {
	mb := newFakeMailbox()
	mb.deliver(3, "contact", "")

	res, err := New(FromPoller(email.NewPoller(mb, "", nil)), &echoExtractor{}, newStore(t), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != 1 || res.Processed != 0 {
		t.Errorf("Skipped=%d Processed=%d, want 1/0", res.Skipped, res.Processed)
	}
}

func TestRun_ConnectFailureIsFatal(t *testing.T) {
	mb := newFakeMailbox()
	mb.dialErr = errors.New("connection refused")

	var recorded *Result
	rec := recorderFunc(func(_ context.Context, r *Result) error {
		recorded = r
		return nil
	})

	res, err := New(FromPoller(email.NewPoller(mb, "", nil)), &echoExtractor{}, newStore(t), nil,
		WithRecorder(rec)).Run(context.Background())

	var ce *email.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *email.ConnectError", err)
	}
	if res == nil || res.OK() {
		t.Fatalf("result should carry the fatal error: %+v", res)
	}
	if recorded != res {
		t.Error("failed run should still be recorded")
	}
}

func TestRun_PerMessageFailuresRecorded(t *testing.T) {
	mb := newFakeMailbox()
	mb.deliver(1, "about", "text")
	mb.raw[2] = nil
	mb.order = append(mb.order, 2)
	mb.fetchErr = errors.New("connection reset")

	res, err := New(FromPoller(email.NewPoller(mb, "", nil)), &echoExtractor{}, newStore(t), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := map[string]int{}
	for _, d := range res.Errors {
		stages[d.Stage]++
	}
	if stages[StageParse] != 1 {
		t.Errorf("parse diagnostics = %d, want 1", stages[StageParse])
	}
	if stages[StageFetch] != 1 {
		t.Errorf("fetch diagnostics = %d, want 1", stages[StageFetch])
	}
	if res.Processed != 1 {
		t.Errorf("Processed = %d, want 1", res.Processed)
	}
}

func TestRun_ExtractAndStoreFailuresDoNotAbort(t *testing.T) {
	mb := newFakeMailbox()
	mb.deliver(1, "about", "a")
	mb.deliver(2, "contact", "b")

	res, err := New(FromPoller(email.NewPoller(mb, "", nil)),
		&echoExtractor{err: errors.New("quota exceeded")}, newStore(t), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) != 2 || res.Errors[0].Stage != StageExtract {
		t.Errorf("Errors = %+v, want two extract diagnostics", res.Errors)
	}
	if res.Errors[0].UID != 1 || res.Errors[0].Subject != "about" {
		t.Errorf("diagnostic = %+v", res.Errors[0])
	}

	mb2 := newFakeMailbox()
	mb2.deliver(1, "about", "a")
	res, err = New(FromPoller(email.NewPoller(mb2, "", nil)),
		&echoExtractor{}, failingUpdater{err: errors.New("disk full")}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Stage != StageStore {
		t.Errorf("Errors = %+v, want one store diagnostic", res.Errors)
	}
	if !mb2.seen[1] {
		t.Error("message should be marked seen even when the write fails")
	}
}

func TestRun_ReportsToNotifier(t *testing.T) {
	mb := newFakeMailbox()
	var got *Result
	n := notifierFunc(func(_ context.Context, r *Result) error {
		got = r
		return errors.New("broker down")
	})

	res, err := New(FromPoller(email.NewPoller(mb, "", nil)), &echoExtractor{}, newStore(t), nil,
		WithNotifier(n)).Run(context.Background())
	if err != nil {
		t.Fatalf("notifier failure should not fail the run: %v", err)
	}
	if got != res {
		t.Error("notifier should receive the run result")
	}
}

// blockingSource tracks how many cycles are open at once.
type blockingSource struct {
	open    atomic.Int32
	maxOpen atomic.Int32
	release chan struct{}
}

func (s *blockingSource) Open(context.Context) (Batch, error) {
	n := s.open.Add(1)
	for {
		m := s.maxOpen.Load()
		if n <= m || s.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	<-s.release
	return &emptyBatch{done: func() { s.open.Add(-1) }}, nil
}

type emptyBatch struct{ done func() }

func (b *emptyBatch) Len() int { return 0 }

func (b *emptyBatch) Messages(context.Context) iter.Seq2[email.InboundMessage, error] {
	return func(func(email.InboundMessage, error) bool) {}
}

func (b *emptyBatch) Close() error {
	b.done()
	return nil
}

func TestRun_Serialized(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	o := New(src, &echoExtractor{}, newStore(t), nil)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run(context.Background()); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	for range 3 {
		src.release <- struct{}{}
	}
	wg.Wait()

	if got := src.maxOpen.Load(); got != 1 {
		t.Errorf("max concurrent cycles = %d, want 1", got)
	}
}

func TestRun_Timeout(t *testing.T) {
	src := sourceFunc(func(ctx context.Context) (Batch, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := New(src, &echoExtractor{}, newStore(t), nil, WithTimeout(20*time.Millisecond))

	res, err := o.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if res.OK() {
		t.Error("timed-out run should be fatal")
	}
}

type sourceFunc func(context.Context) (Batch, error)

func (f sourceFunc) Open(ctx context.Context) (Batch, error) { return f(ctx) }

func TestRun_TimeoutBoundsStalledMailServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, c) // accept, then say nothing
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	dialer := email.NewIMAPDialer(email.Config{
		Host:     addr.IP.String(),
		Port:     addr.Port,
		Username: "owner",
		Password: "secret",
	}, nil)
	o := New(FromPoller(email.NewPoller(dialer, email.DefaultMailbox, nil)), &echoExtractor{}, newStore(t), nil,
		WithTimeout(200*time.Millisecond))

	// Two runs back to back: the first must release the run lock.
	for i := range 2 {
		done := make(chan error, 1)
		go func() {
			_, err := o.Run(context.Background())
			done <- err
		}()

		select {
		case err := <-done:
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("run %d error = %v, want deadline exceeded", i, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("run %d still blocked 3s after a 200ms timeout", i)
		}
	}
}

// seqBatch yields a fixed sequence of messages and errors.
type seqBatch struct {
	msgs []email.InboundMessage
	errs []error
}

func (b *seqBatch) Len() int { return len(b.msgs) }

func (b *seqBatch) Messages(context.Context) iter.Seq2[email.InboundMessage, error] {
	return func(yield func(email.InboundMessage, error) bool) {
		for i, m := range b.msgs {
			if !yield(m, b.errs[i]) {
				return
			}
		}
	}
}

func (b *seqBatch) Close() error { return nil }

func TestRun_ParseDiagnosticKeepsSubject(t *testing.T) {
	batch := &seqBatch{
		msgs: []email.InboundMessage{{UID: 9, Subject: "Blog: spring update"}},
		errs: []error{&email.ParseError{UID: 9, Err: errors.New("next part: multipart: NextPart: EOF")}},
	}
	src := sourceFunc(func(context.Context) (Batch, error) { return batch, nil })

	res, err := New(src, &echoExtractor{}, newStore(t), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %+v, want one parse diagnostic", res.Errors)
	}
	d := res.Errors[0]
	if d.Stage != StageParse || d.UID != 9 || d.Subject != "Blog: spring update" {
		t.Errorf("diagnostic = %+v, want parse failure for uid 9 with its subject", d)
	}
	if res.Fetched != 1 || res.Processed != 0 {
		t.Errorf("Fetched/Processed = %d/%d, want 1/0", res.Fetched, res.Processed)
	}
}
