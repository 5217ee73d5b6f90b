package engine_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/seantiz/reel/internal/engine"
	"github.com/seantiz/reel/internal/veo"
)

func newRecordingProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), rec
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRunRecordsSpans(t *testing.T) {
	tp, rec := newRecordingProvider()
	p := &fakeProvider{doneAfter: 2, videoURI: "https://example/v"}
	eng, _ := newTestEngine(t, p, &fakeFetcher{data: []byte("mp4")}, engine.WithTracerProvider(tp))

	g := makeGeneration("s1")
	if err := eng.Submit(context.Background(), g, []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Wait()

	spans := rec.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	want := []string{"veo.submit", "veo.poll", "veo.fetch", "generation.run"}
	if len(names) != len(want) {
		t.Fatalf("spans = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("span[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	root := spans[3]
	if v, ok := spanAttr(root, "generation.id"); !ok || v.AsString() != g.ID {
		t.Errorf("generation.id = %v, want %q", v.AsString(), g.ID)
	}
	if v, ok := spanAttr(root, "artifact.bytes"); !ok || v.AsInt64() != 3 {
		t.Errorf("artifact.bytes = %d, want 3", v.AsInt64())
	}
	if v, ok := spanAttr(spans[1], "veo.poll_count"); !ok || v.AsInt64() != 2 {
		t.Errorf("veo.poll_count = %d, want 2", v.AsInt64())
	}
	for _, child := range spans[:3] {
		if child.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("%s is not a child of generation.run", child.Name())
		}
	}
	if root.Status().Code == codes.Error {
		t.Errorf("root status = %v, want unset", root.Status())
	}
}

func TestRunFailureMarksSpan(t *testing.T) {
	tp, rec := newRecordingProvider()
	p := &fakeProvider{submitErr: veo.WithReason(veo.ReasonQuota, errors.New("RESOURCE_EXHAUSTED"))}
	eng, _ := newTestEngine(t, p, &fakeFetcher{}, engine.WithTracerProvider(tp))

	if err := eng.Submit(context.Background(), makeGeneration("s1"), []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Wait()

	var root sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "generation.run" {
			root = s
		}
	}
	if root == nil {
		t.Fatal("generation.run span not recorded")
	}
	if root.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", root.Status().Code)
	}
	if v, _ := spanAttr(root, "error.reason"); v.AsString() != string(veo.ReasonQuota) {
		t.Errorf("error.reason = %q, want quota", v.AsString())
	}
	if len(root.Events()) == 0 || root.Events()[0].Name != "exception" {
		t.Errorf("events = %+v, want a recorded exception", root.Events())
	}
}
