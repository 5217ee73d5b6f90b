package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/reel/internal/engine"
	"github.com/seantiz/reel/internal/model"
	"github.com/seantiz/reel/internal/store"
	"github.com/seantiz/reel/internal/veo"
)

// fakeProvider reports an operation done on the doneAfter-th refresh. When
// hold is set, Submit blocks until it is closed.
type fakeProvider struct {
	doneAfter int
	videoURI  string
	submitErr error
	hold      chan struct{}

	mu        sync.Mutex
	refreshes map[string]int
	submits   atomic.Int32
}

func (p *fakeProvider) Submit(ctx context.Context, _ veo.Request) (veo.Operation, error) {
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return veo.Operation{}, ctx.Err()
		}
	}
	n := p.submits.Add(1)
	if p.submitErr != nil {
		return veo.Operation{}, p.submitErr
	}
	return veo.Operation{Name: "operations/" + string(rune('a'+n-1))}, nil
}

func (p *fakeProvider) Refresh(_ context.Context, op veo.Operation) (veo.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshes == nil {
		p.refreshes = make(map[string]int)
	}
	p.refreshes[op.Name]++
	if p.doneAfter <= 0 || p.refreshes[op.Name] < p.doneAfter {
		return veo.Operation{Name: op.Name}, nil
	}
	return veo.Operation{Name: op.Name, Done: true, VideoURI: p.videoURI}, nil
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (veo.Artifact, error) {
	if f.err != nil {
		return veo.Artifact{}, f.err
	}
	return veo.Artifact{Data: f.data, MIMEType: "video/mp4"}, nil
}

// noWait skips the poll interval but still honours cancellation.
func noWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// tickWait sleeps briefly so cancellation can interrupt a never-ending poll.
func tickWait(ctx context.Context, _ time.Duration) error {
	select {
	case <-time.After(5 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestEngine(t *testing.T, p veo.Provider, f veo.Fetcher, opts ...engine.Option) (*engine.Engine, store.Store) {
	t.Helper()
	return newTestEngineWithSleep(t, p, f, noWait, opts...)
}

func newTestEngineWithSleep(t *testing.T, p veo.Provider, f veo.Fetcher, sleep func(context.Context, time.Duration) error, opts ...engine.Option) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	client := veo.NewClient(p, f, veo.WithSleep(sleep), veo.WithMaxWait(0))
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, client, logger, opts...)
	t.Cleanup(func() {
		eng.Shutdown()
		s.Close()
	})
	return eng, s
}

func makeGeneration(session string) *model.Generation {
	return &model.Generation{
		ID:          model.NewID(),
		SessionID:   session,
		Status:      model.StatusPending,
		Prompt:      "sunset",
		AspectRatio: "16:9",
		ImageMIME:   "image/jpeg",
		CreatedAt:   time.Now().UTC(),
	}
}

// waitForStatus polls the store until the generation reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Generation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		g, err := s.GetGeneration(context.Background(), id)
		if err != nil {
			t.Fatalf("GetGeneration: %v", err)
		}
		if g.Status == expected {
			return g
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("generation %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	p := &fakeProvider{doneAfter: 3, videoURI: "https://example/video123"}
	eng, s := newTestEngine(t, p, &fakeFetcher{data: []byte("mp4-data")}, engine.WithModel("veo-test"))

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fetched := waitForStatus(t, s, g.ID, model.StatusFetched, 5*time.Second)
	eng.Wait()
	fetched, _ = s.GetGeneration(context.Background(), g.ID)

	if fetched.OperationName == "" {
		t.Error("operation name not recorded")
	}
	if fetched.Model != "veo-test" {
		t.Errorf("Model = %q, want veo-test", fetched.Model)
	}
	if fetched.PollCount != 3 {
		t.Errorf("PollCount = %d, want 3", fetched.PollCount)
	}
	if fetched.VideoURI != "https://example/video123" {
		t.Errorf("VideoURI = %q", fetched.VideoURI)
	}
	if fetched.StartedAt == nil || fetched.FinishedAt == nil {
		t.Error("started_at or finished_at is nil")
	}
	if fetched.DurationMS == nil {
		t.Error("duration_ms is nil")
	}

	data, mime, err := s.GetArtifact(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if string(data) != "mp4-data" || mime != "video/mp4" {
		t.Errorf("artifact = %q (%s)", data, mime)
	}

	events, err := s.GetEvents(context.Background(), g.ID, -1)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
		if ev.Seq != i {
			t.Errorf("event[%d].Seq = %d", i, ev.Seq)
		}
	}
	want := []string{
		model.EventSubmitted,
		model.EventPoll, model.EventPoll, model.EventPoll,
		model.EventComplete, model.EventFetched,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestSubmitNoResult(t *testing.T) {
	p := &fakeProvider{doneAfter: 2}
	eng, s := newTestEngine(t, p, &fakeFetcher{data: []byte("x")})

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, g.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != veo.KindNoResult.String() {
		t.Errorf("ErrorKind = %q, want %q", failed.ErrorKind, veo.KindNoResult.String())
	}
	if failed.Error == "" {
		t.Error("expected error message, got empty")
	}
	if _, _, err := s.GetArtifact(context.Background(), g.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetArtifact err = %v, want ErrNotFound", err)
	}
}

func TestSubmitVendorQuota(t *testing.T) {
	p := &fakeProvider{submitErr: veo.WithReason(veo.ReasonQuota, errors.New("RESOURCE_EXHAUSTED"))}
	eng, s := newTestEngine(t, p, &fakeFetcher{})

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, g.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != veo.KindSubmission.String() {
		t.Errorf("ErrorKind = %q, want submission", failed.ErrorKind)
	}
	if failed.ErrorReason != string(veo.ReasonQuota) {
		t.Errorf("ErrorReason = %q, want quota", failed.ErrorReason)
	}
	if failed.StartedAt != nil {
		t.Error("started_at set although the vendor never accepted the request")
	}
}

func TestInvalidCredentialTriggersHook(t *testing.T) {
	creds := veo.NewSelectableCredentials("bad-key")
	p := &fakeProvider{submitErr: veo.WithReason(veo.ReasonInvalidCredential, errors.New("Requested entity was not found."))}
	eng, s := newTestEngine(t, p, &fakeFetcher{}, engine.WithCredentialRejected(creds.Clear))

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, s, g.ID, model.StatusFailed, 5*time.Second)
	eng.Wait()
	if creds.HasSelected() {
		t.Error("credential selection not cleared after rejection")
	}
}

func TestSubmitDownloadFailure(t *testing.T) {
	p := &fakeProvider{doneAfter: 1, videoURI: "https://example/v"}
	eng, s := newTestEngine(t, p, &fakeFetcher{err: errors.New("failed to fetch video file: 403 Forbidden")})

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, g.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != veo.KindDownload.String() {
		t.Errorf("ErrorKind = %q, want download", failed.ErrorKind)
	}
	if failed.DurationMS == nil {
		t.Error("duration_ms not recorded for a failure after submission")
	}
}

func TestSubmitSingleFlightPerSession(t *testing.T) {
	p := &fakeProvider{doneAfter: 1, videoURI: "https://example/v", hold: make(chan struct{})}
	eng, s := newTestEngine(t, p, &fakeFetcher{data: []byte("v")})
	ctx := context.Background()

	first := makeGeneration("s1")
	if err := eng.Submit(ctx, first, []byte("jpeg")); err != nil {
		t.Fatalf("Submit first: %v", err)
	}

	err := eng.Submit(ctx, makeGeneration("s1"), []byte("jpeg"))
	if !errors.Is(err, engine.ErrGenerationInFlight) {
		t.Fatalf("second Submit err = %v, want ErrGenerationInFlight", err)
	}

	other := makeGeneration("s2")
	if err := eng.Submit(ctx, other, []byte("jpeg")); err != nil {
		t.Fatalf("Submit other session: %v", err)
	}

	close(p.hold)
	waitForStatus(t, s, first.ID, model.StatusFetched, 5*time.Second)
	waitForStatus(t, s, other.ID, model.StatusFetched, 5*time.Second)

	if err := eng.Submit(ctx, makeGeneration("s1"), []byte("jpeg")); err != nil {
		t.Errorf("Submit after completion: %v", err)
	}
}

func TestNewArtifactSupersedesPrevious(t *testing.T) {
	p := &fakeProvider{doneAfter: 1, videoURI: "https://example/v"}
	eng, s := newTestEngine(t, p, &fakeFetcher{data: []byte("v")})
	ctx := context.Background()

	first := makeGeneration("s1")
	if err := eng.Submit(ctx, first, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, first.ID, model.StatusFetched, 5*time.Second)
	eng.Wait()

	second := makeGeneration("s1")
	if err := eng.Submit(ctx, second, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, second.ID, model.StatusFetched, 5*time.Second)
	waitForStatus(t, s, first.ID, model.StatusReleased, 5*time.Second)

	if _, _, err := s.GetArtifact(ctx, first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("superseded artifact still served: %v", err)
	}
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

func TestSubmitWithDispatcher(t *testing.T) {
	d := &recordingDispatcher{}
	p := &fakeProvider{doneAfter: 2, videoURI: "https://example/v"}
	eng, s := newTestEngine(t, p, &fakeFetcher{data: []byte("v")}, engine.WithDispatcher(d))
	ctx := context.Background()

	g := makeGeneration("s1")
	if err := eng.Submit(ctx, g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Wait()
	got, _ := s.GetGeneration(ctx, g.ID)
	if got.Status != model.StatusPending {
		t.Fatalf("Status = %q, want pending until a worker runs it", got.Status)
	}
	if len(d.ids) != 1 || d.ids[0] != g.ID {
		t.Fatalf("dispatched = %v, want [%s]", d.ids, g.ID)
	}

	if err := eng.Run(ctx, g.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ = s.GetGeneration(ctx, g.ID)
	if got.Status != model.StatusFetched {
		t.Errorf("Status = %q, want fetched", got.Status)
	}

	// A redelivered entry is ignored.
	if err := eng.Run(ctx, g.ID); err != nil {
		t.Errorf("second Run: %v", err)
	}
	if p.submits.Load() != 1 {
		t.Errorf("submits = %d, want 1", p.submits.Load())
	}
}

func TestSubmitDispatchFailure(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("redis down")}
	eng, s := newTestEngine(t, &fakeProvider{}, &fakeFetcher{}, engine.WithDispatcher(d))
	ctx := context.Background()

	g := makeGeneration("s1")
	if err := eng.Submit(ctx, g, []byte("jpeg")); err == nil {
		t.Fatal("Submit succeeded despite dispatch failure")
	}

	got, _ := s.GetGeneration(ctx, g.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if err := eng.Submit(ctx, makeGeneration("s1"), []byte("jpeg")); errors.Is(err, engine.ErrGenerationInFlight) {
		t.Error("failed dispatch left the session blocked")
	}
}

func TestRunUnknownGeneration(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeProvider{}, &fakeFetcher{})
	if err := eng.Run(context.Background(), "nonexistent"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Run err = %v, want ErrNotFound", err)
	}
}

func TestShutdownCancelsPolling(t *testing.T) {
	p := &fakeProvider{doneAfter: 0}
	eng, s := newTestEngineWithSleep(t, p, &fakeFetcher{}, tickWait)

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, g.ID, model.StatusPolling, 5*time.Second)

	eng.Shutdown()

	got, _ := s.GetGeneration(context.Background(), g.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.ErrorKind != veo.KindCanceled.String() {
		t.Errorf("ErrorKind = %q, want canceled", got.ErrorKind)
	}
}

func TestBrokerReceivesLiveEvents(t *testing.T) {
	p := &fakeProvider{doneAfter: 2, videoURI: "https://example/v", hold: make(chan struct{})}
	eng, _ := newTestEngine(t, p, &fakeFetcher{data: []byte("v")})

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsub := eng.Broker().Subscribe(g.ID)
	defer unsub()
	close(p.hold)

	var kinds []string
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != model.EventFetched {
		t.Errorf("live events = %v, want ending in %q", kinds, model.EventFetched)
	}
}

// orphan stores a generation left mid-flight by a process that died.
func orphan(t *testing.T, s store.Store, session string, events int) *model.Generation {
	t.Helper()
	ctx := context.Background()
	g := makeGeneration(session)
	if err := s.CreateGeneration(ctx, g, []byte("jpeg")); err != nil {
		t.Fatalf("CreateGeneration: %v", err)
	}
	started := time.Now().UTC()
	g.StartedAt = &started
	g.OperationName = "operations/lost"
	for _, st := range []string{model.StatusSubmitted, model.StatusPolling} {
		g.Status = st
		if err := s.UpdateGeneration(ctx, g); err != nil {
			t.Fatalf("UpdateGeneration(%s): %v", st, err)
		}
	}
	for i := range events {
		ev := &model.Event{GenerationID: g.ID, Seq: i, Kind: model.EventPoll, Message: "before crash"}
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	return g
}

func TestRecoverReleasesOrphanedSession(t *testing.T) {
	p := &fakeProvider{doneAfter: 1, videoURI: "https://example/v"}
	eng, s := newTestEngine(t, p, &fakeFetcher{data: []byte("mp4")})
	ctx := context.Background()

	lost := orphan(t, s, "s1", 2)

	if err := eng.Submit(ctx, makeGeneration("s1"), []byte("jpeg")); !errors.Is(err, engine.ErrGenerationInFlight) {
		t.Fatalf("Submit before recovery: %v, want ErrGenerationInFlight", err)
	}

	n, err := eng.Recover(ctx, 0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	got, err := s.GetGeneration(ctx, lost.ID)
	if err != nil {
		t.Fatalf("GetGeneration: %v", err)
	}
	if got.Status != model.StatusFailed || got.ErrorKind != "internal" {
		t.Errorf("status/kind = %q/%q, want failed/internal", got.Status, got.ErrorKind)
	}
	if !strings.Contains(got.Error, engine.ErrInterrupted.Error()) {
		t.Errorf("error = %q", got.Error)
	}
	if got.DurationMS == nil || got.FinishedAt == nil {
		t.Error("duration or finished_at not recorded")
	}

	events, err := s.GetEvents(ctx, lost.ID, -1)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 || events[2].Kind != model.EventFailed || events[2].Seq != 2 {
		t.Errorf("events = %+v, want failed event with seq 2", events)
	}

	next := makeGeneration("s1")
	if err := eng.Submit(ctx, next, []byte("jpeg")); err != nil {
		t.Fatalf("Submit after recovery: %v", err)
	}
	waitForStatus(t, s, next.ID, model.StatusFetched, 5*time.Second)
}

func TestRecoverLeavesRecentGenerations(t *testing.T) {
	eng, s := newTestEngine(t, &fakeProvider{}, &fakeFetcher{})
	ctx := context.Background()

	live := orphan(t, s, "s1", 0)

	n, err := eng.Recover(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
	got, _ := s.GetGeneration(ctx, live.ID)
	if got.Status != model.StatusPolling {
		t.Errorf("status = %q, want polling", got.Status)
	}
}
