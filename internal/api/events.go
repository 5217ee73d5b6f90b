package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/reel/internal/model"
)

// eventStream writes generation events to one SSE client, skipping any it
// has already sent.
type eventStream struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	lastSeq  int
	lastKind string
}

func (es *eventStream) send(ev model.Event) error {
	if ev.Seq <= es.lastSeq {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := writeSSEData(es.w, ev.Kind, strconv.Itoa(ev.Seq), string(data)); err != nil {
		return err
	}
	es.lastSeq = ev.Seq
	es.lastKind = ev.Kind
	return nil
}

func (es *eventStream) flush() {
	if es.flusher != nil {
		es.flusher.Flush()
	}
}

// finished reports whether the stream has delivered the generation's final
// event, given its latest stored status.
func (es *eventStream) finished(status string) bool {
	return es.lastKind == model.EventFetched || es.lastKind == model.EventFailed ||
		status == model.StatusReleased
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGeneration(w, r)
	if !ok {
		return
	}
	id := g.ID

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before replaying history so no live event falls in between.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	eventStreamsActive.Inc()
	defer eventStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	es := &eventStream{w: w, lastSeq: -1}
	es.flusher, _ = w.(http.Flusher)
	es.flush()

	// catchUp sends stored events newer than the last one sent and reports
	// whether the stream is complete.
	catchUp := func() (bool, error) {
		events, err := s.store.GetEvents(r.Context(), id, es.lastSeq)
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			if err := es.send(ev); err != nil {
				return false, err
			}
		}
		es.flush()
		cur, err := s.store.GetGeneration(r.Context(), id)
		if err != nil {
			return false, err
		}
		return es.finished(cur.Status), nil
	}

	done := func() {
		_ = writeSSEEvent(w, "done", "stream complete")
		es.flush()
	}

	if fin, err := catchUp(); err != nil {
		s.logger.Debug("replay events", "generation_id", id, "error", err)
		return
	} else if fin {
		done()
		return
	}

	// Events from a worker process reach this server only through the store.
	ticker := time.NewTicker(s.eventPollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Local run finished; pick up anything the buffer dropped.
				if _, err := catchUp(); err != nil {
					return
				}
				done()
				return
			}
			if err := es.send(ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			es.flush()
		case <-ticker.C:
			fin, err := catchUp()
			if err != nil {
				return
			}
			if fin {
				done()
				return
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryResponse is the JSON response for GET /v1/generations/:id/events/history.
type eventHistoryResponse struct {
	GenerationID string        `json:"generation_id"`
	Events       []model.Event `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGeneration(w, r)
	if !ok {
		return
	}

	events, err := s.store.GetEvents(r.Context(), g.ID, -1)
	if err != nil {
		s.logger.Error("get events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		GenerationID: g.ID,
		Events:       events,
	})
}

// writeSSEData writes one SSE message with an event type and id. Multi-line
// data is split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, eventType, id, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\nid: %s\n", eventType, id); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
