// testserver starts a Reel API server with a scripted video provider for E2E
// testing. The prompt selects the outcome:
//
//	contains "quota"    submission fails with a quota error
//	contains "badkey"   submission fails with an invalid credential
//	contains "filtered" the operation finishes without a video
//	contains "forever"  the operation never finishes and polling times out
//
// Any other prompt finishes after three refreshes.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/reel/internal/api"
	"github.com/seantiz/reel/internal/engine"
	"github.com/seantiz/reel/internal/model"
	"github.com/seantiz/reel/internal/store"
	"github.com/seantiz/reel/internal/veo"
)

const refreshesUntilDone = 3

// scriptedProvider plays back an outcome chosen by the request prompt.
type scriptedProvider struct {
	mu  sync.Mutex
	ops map[string]*scriptedOp
}

type scriptedOp struct {
	outcome   string
	refreshes int
}

func (p *scriptedProvider) Submit(_ context.Context, req veo.Request) (veo.Operation, error) {
	var outcome string
	for _, o := range []string{"quota", "badkey", "filtered", "forever"} {
		if strings.Contains(req.Prompt, o) {
			outcome = o
			break
		}
	}

	switch outcome {
	case "quota":
		return veo.Operation{}, veo.WithReason(veo.ReasonQuota, errors.New("Error 429, Status: RESOURCE_EXHAUSTED"))
	case "badkey":
		return veo.Operation{}, veo.WithReason(veo.ReasonInvalidCredential, errors.New("Requested entity was not found."))
	}

	name := "operations/" + model.NewID()
	p.mu.Lock()
	p.ops[name] = &scriptedOp{outcome: outcome}
	p.mu.Unlock()
	return veo.Operation{Name: name}, nil
}

func (p *scriptedProvider) Refresh(_ context.Context, op veo.Operation) (veo.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.ops[op.Name]
	if !ok {
		return veo.Operation{}, fmt.Errorf("unknown operation %s", op.Name)
	}
	s.refreshes++
	if s.outcome == "forever" || s.refreshes < refreshesUntilDone {
		return veo.Operation{Name: op.Name}, nil
	}
	if s.outcome == "filtered" {
		return veo.Operation{Name: op.Name, Done: true,
			FilteredReasons: []string{"The prompt could not be submitted."}}, nil
	}
	return veo.Operation{Name: op.Name, Done: true, VideoURI: "https://video.test/" + op.Name}, nil
}

// scriptedFetcher returns a fake MP4 payload naming the URI it was asked for.
type scriptedFetcher struct{}

func (scriptedFetcher) Fetch(_ context.Context, uri string) (veo.Artifact, error) {
	return veo.Artifact{Data: []byte("\x00\x00\x00\x18ftypmp42 " + uri), MIMEType: "video/mp4"}, nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("REEL_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	creds := veo.NewSelectableCredentials("test-key")
	client := veo.NewClient(&scriptedProvider{ops: make(map[string]*scriptedOp)}, scriptedFetcher{},
		veo.WithPollInterval(100*time.Millisecond),
		veo.WithMaxWait(time.Second),
		veo.WithLogger(logger),
	)
	eng := engine.NewEngine(db, client, logger,
		engine.WithModel("scripted"),
		engine.WithCredentialRejected(creds.Clear),
	)
	defer eng.Shutdown()

	srv := api.NewServer(addr, db, eng, creds, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
