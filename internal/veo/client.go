package veo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/googleapis/gax-go/v2"
)

const (
	// DefaultPollInterval is the base wait before every status refresh.
	DefaultPollInterval = 10 * time.Second
	// DefaultMaxPollInterval caps the jittered wait between refreshes.
	DefaultMaxPollInterval = time.Minute
	// DefaultMaxWait bounds the total time spent polling one operation.
	DefaultMaxWait = 10 * time.Minute

	backoffMultiplier = 1.5
)

// Provider is the vendor side of a generation: it accepts a request and
// refreshes operation snapshots.
type Provider interface {
	Submit(ctx context.Context, req Request) (Operation, error)
	// Refresh returns the current state of op. It must not modify op.
	Refresh(ctx context.Context, op Operation) (Operation, error)
}

// PollFunc observes each refreshed snapshot. attempt counts refreshes from 1.
type PollFunc func(op Operation, attempt int)

// Client drives one generation at a time per call through submission,
// polling and download. It holds no per-call state and is safe for
// concurrent use.
type Client struct {
	provider Provider
	fetcher  Fetcher
	logger   *slog.Logger

	interval    time.Duration
	maxInterval time.Duration
	maxWait     time.Duration
	jitter      bool

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	onPoll PollFunc
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the base wait before each refresh.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxWait bounds the total polling time. Zero disables the bound.
func WithMaxWait(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.maxWait = d
		}
	}
}

// WithJitter enables exponential backoff with jitter between refreshes,
// never waiting less than the base interval nor more than max.
func WithJitter(max time.Duration) Option {
	return func(c *Client) {
		c.jitter = true
		if max > 0 {
			c.maxInterval = max
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSleep replaces the wait between refreshes. Tests use it with WithClock
// to run the poll loop without real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithClock replaces the time source used for the wait budget.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.now = fn }
}

// WithPollObserver registers fn to receive each refreshed snapshot.
func WithPollObserver(fn PollFunc) Option {
	return func(c *Client) { c.onPoll = fn }
}

// NewClient returns a Client that submits through p and downloads through f.
func NewClient(p Provider, f Fetcher, opts ...Option) *Client {
	c := &Client{
		provider:    p,
		fetcher:     f,
		logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
		interval:    DefaultPollInterval,
		maxInterval: DefaultMaxPollInterval,
		maxWait:     DefaultMaxWait,
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxInterval < c.interval {
		c.maxInterval = c.interval
	}
	return c
}

// With returns a copy of c with opts applied on top of its configuration.
func (c *Client) With(opts ...Option) *Client {
	cp := *c
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Submit validates req and starts a remote generation. Invalid requests fail
// with KindSubmission before any network call.
func (c *Client) Submit(ctx context.Context, req Request) (Operation, error) {
	if err := req.validate(); err != nil {
		return Operation{}, errorf(KindSubmission, ReasonInvalidRequest, "", "%v", err)
	}

	op, err := c.provider.Submit(ctx, req)
	if err != nil {
		return Operation{}, newError(KindSubmission, "", err)
	}
	if op.Name == "" && !op.Done {
		return Operation{}, errorf(KindSubmission, ReasonNone, "", "vendor returned no operation handle")
	}

	c.logger.Info("generation submitted", "operation", op.Name, "aspect_ratio", req.AspectRatio)
	return op, nil
}

// PollUntilDone waits and refreshes op until the vendor reports it done, and
// returns the terminal snapshot. A snapshot that is already done is returned
// without a refresh.
func (c *Client) PollUntilDone(ctx context.Context, op Operation) (Operation, error) {
	if op.Done {
		return op, nil
	}

	var bo *gax.Backoff
	if c.jitter {
		bo = &gax.Backoff{Initial: c.interval, Max: c.maxInterval, Multiplier: backoffMultiplier}
	}

	start := c.now()
	for attempt := 1; ; attempt++ {
		wait := c.interval
		if bo != nil {
			wait = max(c.interval, bo.Pause())
		}
		if c.maxWait > 0 && c.now().Sub(start)+wait > c.maxWait {
			return op, errorf(KindTimeout, ReasonNone, op.Name,
				"operation not done after %d refreshes within %s", attempt-1, c.maxWait)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return op, newError(KindCanceled, op.Name, err)
		}

		next, err := c.provider.Refresh(ctx, op)
		if err != nil {
			return op, newError(KindPoll, op.Name, err)
		}
		if next.Name == "" {
			next.Name = op.Name
		}
		op = next

		c.logger.Debug("generation polled", "operation", op.Name, "attempt", attempt, "done", op.Done)
		if c.onPoll != nil {
			c.onPoll(op, attempt)
		}
		if op.Done {
			return op, nil
		}
	}
}

// FetchArtifact downloads the video of a terminal operation. A snapshot
// without a video URI fails with KindNoResult and makes no network call.
func (c *Client) FetchArtifact(ctx context.Context, op Operation) (Artifact, error) {
	if !op.HasResult() {
		return Artifact{}, noResult(op)
	}

	art, err := c.fetcher.Fetch(ctx, op.VideoURI)
	if err != nil {
		return Artifact{}, newError(KindDownload, op.Name, err)
	}
	if len(art.Data) == 0 {
		return Artifact{}, errorf(KindDownload, ReasonNone, op.Name, "downloaded video is empty")
	}

	c.logger.Info("generation downloaded", "operation", op.Name, "bytes", len(art.Data))
	return art, nil
}

// Generate runs a full generation: submit, poll to completion, download.
// It returns either a non-empty artifact or an *Error.
func (c *Client) Generate(ctx context.Context, req Request) (Artifact, error) {
	op, err := c.Submit(ctx, req)
	if err != nil {
		return Artifact{}, err
	}
	op, err = c.PollUntilDone(ctx, op)
	if err != nil {
		return Artifact{}, err
	}
	return c.FetchArtifact(ctx, op)
}

func noResult(op Operation) *Error {
	switch {
	case !op.Done:
		return errorf(KindNoResult, ReasonNone, op.Name, "operation is not done")
	case len(op.FilteredReasons) > 0:
		return &Error{Kind: KindNoResult, Reason: ReasonFiltered, Op: op.Name,
			Err: errors.New(op.FilteredReasons[0])}
	case op.Failure != "":
		return errorf(KindNoResult, ReasonNone, op.Name, "%s", op.Failure)
	default:
		return errorf(KindNoResult, ReasonNone, op.Name, "video generation failed or returned no result")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
