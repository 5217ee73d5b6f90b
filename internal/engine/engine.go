package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/reel/internal/model"
	"github.com/seantiz/reel/internal/store"
	"github.com/seantiz/reel/internal/veo"
)

const tracerName = "github.com/seantiz/reel/internal/engine"

// errorKindInternal labels failures that did not come from the video client.
const errorKindInternal = "internal"

// ErrGenerationInFlight is returned by Submit when the session already has a
// generation that has not finished.
var ErrGenerationInFlight = errors.New("generation already in progress")

// ErrInterrupted is recorded on generations whose run stopped without an
// outcome, for example when the process driving it died.
var ErrInterrupted = errors.New("generation interrupted before it finished")

// Dispatcher hands a stored generation to the process that will run it.
type Dispatcher interface {
	Dispatch(ctx context.Context, generationID string) error
}

// Engine orchestrates asynchronous generations.
type Engine struct {
	store      store.Store
	client     *veo.Client
	logger     *slog.Logger
	broker     *EventBroker
	model      string
	dispatcher Dispatcher
	onReject   func()
	tracer     trace.Tracer

	// admit serializes the single-flight check with record creation.
	admit sync.Mutex
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher routes submitted generations through d instead of running
// them in a local goroutine.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithCredentialRejected registers fn to run when the vendor rejects the
// API key, so the caller can force a new selection.
func WithCredentialRejected(fn func()) Option {
	return func(e *Engine) { e.onReject = fn }
}

// WithTracerProvider sets the provider for generation spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithModel records the model name on new generations.
func WithModel(name string) Option {
	return func(e *Engine) { e.model = name }
}

// NewEngine creates a new generation engine.
func NewEngine(s store.Store, c *veo.Client, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:  s,
		client: c,
		logger: logger,
		broker: NewEventBroker(),
		tracer: otel.Tracer(tracerName),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Submit stores a pending generation with its source image and starts it.
// The generation is stored before Submit returns; execution happens in a
// goroutine or in whichever process consumes the dispatcher.
func (e *Engine) Submit(ctx context.Context, g *model.Generation, image []byte) error {
	if g.SessionID == "" {
		g.SessionID = model.DefaultSession
	}
	if g.Model == "" {
		g.Model = e.model
	}

	e.admit.Lock()
	active, err := e.store.ActiveGeneration(ctx, g.SessionID)
	switch {
	case err == nil:
		e.admit.Unlock()
		return fmt.Errorf("%w: %s", ErrGenerationInFlight, active.ID)
	case !errors.Is(err, store.ErrNotFound):
		e.admit.Unlock()
		return fmt.Errorf("check active generation: %w", err)
	}
	err = e.store.CreateGeneration(ctx, g, image)
	e.admit.Unlock()
	if err != nil {
		return fmt.Errorf("create generation: %w", err)
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, g.ID); err != nil {
			r := &run{e: e, g: g, persist: context.WithoutCancel(ctx)}
			r.fail(nil, fmt.Errorf("dispatch: %w", err))
			e.broker.Close(g.ID)
			return fmt.Errorf("dispatch generation: %w", err)
		}
		return nil
	}

	id := g.ID
	e.wg.Go(func() {
		if err := e.Run(e.ctx, id); err != nil {
			e.logger.Debug("generation ended with error", "generation_id", id, "error", err)
		}
	})

	return nil
}

// Wait blocks until all in-flight local generations complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels in-flight local generations and waits for them to record
// their outcome.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// Recover fails in-flight generations that nobody has written for staleAfter,
// releasing their sessions for new submissions. A zero staleAfter fails every
// in-flight generation; use it when this process is the only runner.
func (e *Engine) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	stale, err := e.store.StaleGenerations(ctx, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale generations: %w", err)
	}

	for i, g := range stale {
		events, err := e.store.GetEvents(ctx, g.ID, -1)
		if err != nil {
			return i, fmt.Errorf("load events of %s: %w", g.ID, err)
		}
		r := &run{e: e, g: g, persist: context.WithoutCancel(ctx)}
		if n := len(events); n > 0 {
			r.seq = events[n-1].Seq + 1
		}
		r.fail(g.StartedAt, fmt.Errorf("%w (last status %s)", ErrInterrupted, g.Status))
		e.broker.Close(g.ID)
	}

	if len(stale) > 0 {
		e.logger.Info("recovered interrupted generations", "count", len(stale), "stale_after", staleAfter.String())
	}
	return len(stale), nil
}

// Run drives one stored generation through submit, poll and download:
// pending→submitted→polling→complete→fetched, or failed. Generations that
// are no longer pending are skipped, so redelivered queue entries are safe.
func (e *Engine) Run(ctx context.Context, id string) error {
	persist := context.WithoutCancel(ctx)

	g, err := e.store.GetGeneration(persist, id)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}
	if g.Status != model.StatusPending {
		e.logger.Warn("skipping generation that is not pending", "generation_id", id, "status", g.Status)
		return nil
	}

	// Close the event stream when the run finishes, regardless of outcome.
	defer e.broker.Close(id)

	activeGenerations.Inc()
	defer activeGenerations.Dec()

	ctx, span := e.tracer.Start(ctx, "generation.run", trace.WithAttributes(
		attribute.String("generation.id", id),
		attribute.String("generation.session", g.SessionID),
		attribute.String("generation.model", g.Model),
	))
	defer span.End()

	r := &run{e: e, g: g, persist: persist, span: span}

	image, err := e.store.GetRequestImage(persist, id)
	if err != nil {
		return r.fail(nil, fmt.Errorf("load request image: %w", err))
	}

	req := veo.Request{
		Prompt:      veo.ComposePrompt(g.Prompt, g.Transcript),
		Image:       veo.Image{Bytes: image, MIMEType: g.ImageMIME},
		AspectRatio: veo.AspectRatio(g.AspectRatio),
	}

	start := time.Now().UTC()
	submitCtx, submitSpan := e.tracer.Start(ctx, "veo.submit")
	op, err := e.client.Submit(submitCtx, req)
	submitSpan.End()
	if err != nil {
		return r.fail(nil, err)
	}
	span.SetAttributes(attribute.String("veo.operation", op.Name))

	g.Status = model.StatusSubmitted
	g.OperationName = op.Name
	g.StartedAt = &start
	r.save()
	r.event(model.EventSubmitted, "submitted as operation "+op.Name)

	if !op.Done {
		g.Status = model.StatusPolling
		r.save()
	}

	client := e.client.With(veo.WithPollObserver(func(snap veo.Operation, attempt int) {
		g.PollCount = attempt
		r.save()
		if snap.Done {
			r.event(model.EventPoll, fmt.Sprintf("attempt %d: done", attempt))
		} else {
			r.event(model.EventPoll, fmt.Sprintf("attempt %d: still generating", attempt))
		}
	}))

	pollCtx, pollSpan := e.tracer.Start(ctx, "veo.poll")
	op, err = client.PollUntilDone(pollCtx, op)
	pollSpan.SetAttributes(attribute.Int("veo.poll_count", g.PollCount))
	pollSpan.End()
	if err != nil {
		return r.fail(&start, err)
	}

	g.Status = model.StatusComplete
	g.VideoURI = op.VideoURI
	r.save()
	r.event(model.EventComplete, "generation complete")

	fetchCtx, fetchSpan := e.tracer.Start(ctx, "veo.fetch")
	art, err := client.FetchArtifact(fetchCtx, op)
	fetchSpan.End()
	if err != nil {
		return r.fail(&start, err)
	}
	span.SetAttributes(attribute.Int("artifact.bytes", len(art.Data)))

	if err := e.store.SaveArtifact(persist, id, art.Data, art.MIMEType); err != nil {
		return r.fail(&start, fmt.Errorf("save artifact: %w", err))
	}

	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	g.Status = model.StatusFetched
	g.DurationMS = &dur
	g.FinishedAt = &now
	r.save()
	r.event(model.EventFetched, fmt.Sprintf("downloaded %d bytes", len(art.Data)))

	e.supersede(persist, g)

	generationsTotal.WithLabelValues(model.StatusFetched, errorKindNone).Inc()
	pollAttempts.Observe(float64(g.PollCount))
	generationDuration.Observe(now.Sub(start).Seconds())
	artifactBytes.Observe(float64(len(art.Data)))

	e.logger.Info("generation fetched",
		"generation_id", id,
		"operation", g.OperationName,
		"polls", g.PollCount,
		"bytes", len(art.Data),
		"duration_ms", dur,
	)
	return nil
}

// supersede releases the artifacts of the session's earlier generations.
func (e *Engine) supersede(ctx context.Context, g *model.Generation) {
	prev, err := e.store.FetchedGenerations(ctx, g.SessionID)
	if err != nil {
		e.logger.Error("list fetched generations", "session_id", g.SessionID, "error", err)
		return
	}
	for _, p := range prev {
		if p.ID == g.ID {
			continue
		}
		if err := e.store.ReleaseArtifact(ctx, p.ID); err != nil {
			e.logger.Error("release superseded artifact", "generation_id", p.ID, "error", err)
			continue
		}
		e.logger.Info("released superseded artifact", "generation_id", p.ID, "superseded_by", g.ID)
	}
}

// run carries the mutable state of one generation while it executes.
type run struct {
	e       *Engine
	g       *model.Generation
	persist context.Context
	span    trace.Span
	seq     int
}

func (r *run) save() {
	if err := r.e.store.UpdateGeneration(r.persist, r.g); err != nil {
		r.e.logger.Error("failed to update generation",
			"generation_id", r.g.ID, "status", r.g.Status, "error", err)
	}
}

// event persists a progress entry, then publishes it for live subscribers.
func (r *run) event(kind, msg string) {
	ev := model.Event{
		GenerationID: r.g.ID,
		Seq:          r.seq,
		Kind:         kind,
		Message:      msg,
		CreatedAt:    time.Now().UTC(),
	}
	r.seq++
	if err := r.e.store.InsertEvent(r.persist, &ev); err != nil {
		r.e.logger.Error("failed to persist event", "generation_id", r.g.ID, "seq", ev.Seq, "error", err)
	}
	r.e.broker.Publish(ev)
}

// fail marks the generation failed with the kind and reason carried by err.
// startedAt may be nil if the vendor never accepted the request.
func (r *run) fail(startedAt *time.Time, err error) error {
	kind, reason := errorKindInternal, veo.ReasonNone
	var vErr *veo.Error
	if errors.As(err, &vErr) {
		kind, reason = vErr.Kind.String(), vErr.Reason
	}

	now := time.Now().UTC()
	if startedAt != nil {
		dur := int(now.Sub(*startedAt).Milliseconds())
		r.g.DurationMS = &dur
	}
	r.g.Status = model.StatusFailed
	r.g.ErrorKind = kind
	r.g.ErrorReason = string(reason)
	r.g.Error = err.Error()
	r.g.FinishedAt = &now
	r.save()
	r.event(model.EventFailed, err.Error())

	generationsTotal.WithLabelValues(model.StatusFailed, kind).Inc()

	if r.span != nil {
		r.span.RecordError(err)
		r.span.SetAttributes(attribute.String("error.kind", kind), attribute.String("error.reason", string(reason)))
		r.span.SetStatus(codes.Error, kind)
	}

	if reason == veo.ReasonInvalidCredential && r.e.onReject != nil {
		r.e.onReject()
	}

	r.e.logger.Warn("generation failed",
		"generation_id", r.g.ID,
		"error_kind", kind,
		"error_reason", string(reason),
		"error", err,
	)
	return err
}
