package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/types"
)

// keepaliveInterval paces SSE comment frames so idle streams survive
// intermediaries that cut quiet connections.
const keepaliveInterval = 15 * time.Second

// streamFilter builds the event filter from the request. Resume position
// comes from the standard Last-Event-ID header, else the since_id query
// parameter. Callers are pinned to their own tenant; the system subject may
// widen the view with the tenant parameter.
func streamFilter(r *http.Request) (events.Filter, error) {
	q := r.URL.Query()
	filter := events.Filter{Service: q.Get("service")}

	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, errdefs.Wrapf(errdefs.ErrInvalidInput, "bad Last-Event-ID %q", raw)
		}
		filter.SinceID = id
	} else if raw := q.Get("since_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, errdefs.Wrapf(errdefs.ErrInvalidInput, "bad since_id %q", raw)
		}
		filter.SinceID = id
	}

	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, types.EventType(strings.TrimSpace(t)))
		}
	}

	tenant := tenantFrom(r.Context())
	if tenant == types.SubjectSystem {
		filter.Tenant = q.Get("tenant")
	} else {
		filter.Tenant = tenant
	}
	return filter, nil
}

// handleEventsSSE streams the event log as server-sent events: stored
// backlog after the resume position first, then live emits. Each frame
// carries the event id, so a dropped client resumes with Last-Event-ID.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	filter, err := streamFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errdefs.Wrapf(errdefs.ErrTransient, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	backlog, sub := s.kernel.WatchEvents(filter)
	defer sub.Close()

	lastSent := filter.SinceID
	for _, e := range backlog {
		if err := writeSSE(w, e); err != nil {
			return
		}
		lastSent = e.ID
	}
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				// Dropped for falling behind; the client resumes with
				// Last-Event-ID.
				return
			}
			if e.ID <= lastSent || !filter.Match(e) {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				return
			}
			lastSent = e.ID
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e *types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	return err
}

// handleEventsWS is the websocket variant of the event stream. Events go out
// as JSON text frames; the read side only watches for the close handshake.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	filter, err := streamFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	backlog, sub := s.kernel.WatchEvents(filter)
	defer sub.Close()

	lastSent := filter.SinceID
	for _, e := range backlog {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
		lastSent = e.ID
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.ID <= lastSent || !filter.Match(e) {
				continue
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
			lastSent = e.ID
		}
	}
}
