// Package pipeline runs poll cycles: fetch unseen mail, classify each
// message by subject, extract content, and apply it to the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mailsite/internal/content"
	"github.com/nugget/mailsite/internal/email"
)

// Source opens one poll cycle over the mailbox.
type Source interface {
	Open(ctx context.Context) (Batch, error)
}

// Batch is an open poll cycle.
type Batch interface {
	Len() int
	Messages(ctx context.Context) iter.Seq2[email.InboundMessage, error]
	Close() error
}

// Extractor turns a message body into page content. An empty result
// means there is nothing to apply.
type Extractor interface {
	Extract(ctx context.Context, body string) (string, error)
}

// Updater applies content to a page.
type Updater interface {
	Update(page content.Page, text string) error
}

// Recorder persists run results.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// Notifier announces run results.
type Notifier interface {
	Notify(ctx context.Context, res *Result) error
}

// FromPoller adapts an [email.Poller] to a [Source].
func FromPoller(p *email.Poller) Source {
	return pollerSource{p: p}
}

type pollerSource struct {
	p *email.Poller
}

func (s pollerSource) Open(ctx context.Context) (Batch, error) {
	c, err := s.p.Open(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Orchestrator drives poll cycles. Runs are serialized: a Run that
// starts while another is in progress waits for it to finish.
type Orchestrator struct {
	source    Source
	extractor Extractor
	store     Updater
	recorder  Recorder
	notifier  Notifier
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets where run results are persisted.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithNotifier sets who is told about finished runs.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithTimeout bounds each run. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithClock overrides the time source for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(source Source, extractor Extractor, store Updater, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		source:    source,
		extractor: extractor,
		store:     store,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one poll cycle. A mailbox connect or search failure
// aborts the run and is returned; the Result is returned either way
// with the failure recorded in Fatal. Per-message failures are
// collected in Result.Errors.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	res := &Result{
		RunID:     uuid.NewString(),
		StartedAt: o.now(),
		Errors:    []Diagnostic{},
	}
	log := o.logger.With("run_id", res.RunID)
	log.Info("pipeline run started")

	err := o.poll(ctx, log, res)
	res.FinishedAt = o.now()
	if err != nil {
		res.Fatal = err.Error()
		log.Error("pipeline run failed", "error", err, "elapsed", res.Duration())
	} else {
		log.Info("pipeline run finished",
			"fetched", res.Fetched,
			"processed", res.Processed,
			"skipped", res.Skipped,
			"errors", len(res.Errors),
			"elapsed", res.Duration(),
		)
	}

	o.report(context.WithoutCancel(ctx), log, res)
	return res, err
}

func (o *Orchestrator) poll(ctx context.Context, log *slog.Logger, res *Result) error {
	batch, err := o.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}
	defer batch.Close()

	for msg, err := range batch.Messages(ctx) {
		if err != nil {
			var pe *email.ParseError
			if errors.As(err, &pe) {
				res.Fetched++
				res.addError(pe.UID, msg.Subject, StageParse, err)
				continue
			}
			res.addError(msg.UID, msg.Subject, StageFetch, err)
			continue
		}
		res.Fetched++
		o.process(ctx, log, msg, res)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("poll cycle: %w", err)
	}
	return nil
}

// process handles one message. Failures are recorded on res and never
// abort the cycle.
func (o *Orchestrator) process(ctx context.Context, log *slog.Logger, msg email.InboundMessage, res *Result) {
	log = log.With("uid", msg.UID)
	log.Info("processing email", "subject", msg.Subject)
	log.Debug("email content", "body", msg.BodyText)

	page := content.Classify(msg.Subject)
	if page == content.PageNone {
		log.Info("email subject not recognized for content update")
		res.Skipped++
		return
	}

	text, err := o.extractor.Extract(ctx, msg.BodyText)
	if err != nil {
		res.addError(msg.UID, msg.Subject, StageExtract, err)
		return
	}
	if text == "" {
		log.Info("no valid content found in email body", "page", page)
		res.Skipped++
		return
	}

	if err := o.store.Update(page, text); err != nil {
		log.Error("content update failed", "page", page, "error", err)
		res.addError(msg.UID, msg.Subject, StageStore, err)
		return
	}
	res.Processed++
	log.Info("section updated", "page", page)
}

func (o *Orchestrator) report(ctx context.Context, log *slog.Logger, res *Result) {
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, res); err != nil {
			log.Warn("failed to record pipeline run", "error", err)
		}
	}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, res); err != nil {
			log.Warn("failed to publish pipeline run", "error", err)
		}
	}
}
