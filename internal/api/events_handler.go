package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/codexflow/internal/events"
)

// reconnectHint is sent as the SSE retry field; it matches the watch TUI's
// reconnect delay.
const reconnectHint = 3 * time.Second

// handleEvents streams controller events as SSE.
//
// Query parameters:
//
//	type=role.,phase.advanced   only events whose type has one of these prefixes
//	last_event_id=N             resume point for clients that cannot set headers
//
// The Last-Event-ID header takes precedence over last_event_id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := parseTypeFilter(r.URL.Query()["type"])
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseLastEventID(r.URL.Query().Get("last_event_id"))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{w: w, flusher: flusher, lastID: lastID, filter: filter}

	// Subscribe before replaying so nothing falls between the two; the
	// stream drops ids it has already sent.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	if err := stream.retry(reconnectHint); err != nil {
		return
	}
	for _, ev := range s.events.SnapshotSince(lastID) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	stream.flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := stream.send(ev); err != nil {
				return
			}
			stream.flush()
		case <-keepAlive.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
			stream.flush()
		}
	}
}

// sseStream writes frames for one client and tracks its resume point.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	lastID  int64
	filter  []string
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	// Filtered events still advance the resume point.
	s.lastID = ev.ID
	if !s.wants(ev.Type) {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	// Payloads are single-line JSON.
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := fmt.Fprint(s.w, b.String())
	return err
}

func (s *sseStream) wants(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	for _, prefix := range s.filter {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

func (s *sseStream) retry(d time.Duration) error {
	_, err := fmt.Fprintf(s.w, "retry: %d\n\n", d.Milliseconds())
	return err
}

func (s *sseStream) comment(text string) error {
	_, err := fmt.Fprintf(s.w, ": %s\n\n", text)
	return err
}

func (s *sseStream) flush() { s.flusher.Flush() }

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseTypeFilter accepts repeated and comma-separated type prefixes.
func parseTypeFilter(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
