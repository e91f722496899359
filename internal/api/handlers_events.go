package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/discobot/discobot/internal/model"
)

const eventReplayBatch = 200

// handleEvents streams the project's event log as SSE. An initial `connected`
// event confirms the stream is live; `?afterId=` or `?since=` replays history
// from that point before tailing. Live delivery subscribes before replay runs
// so no event falls between the two, with seq-based dedupe on the overlap.
func (s *Server) handleEvents(c *gin.Context) {
	project := currentProject(c)

	// Resolve the resume point before committing to the stream so a bad
	// cursor still gets a JSON error.
	var afterSeq int64 = -1
	var since time.Time
	if afterID := c.Query("afterId"); afterID != "" {
		ev, err := s.store.GetProjectEvent(c.Request.Context(), afterID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		afterSeq = ev.Seq
	} else if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondCode(c, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		since = t
	}

	live, cancel := s.broker.Subscribe(project.ID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	write := func(name string, data []byte) bool {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}
	if !write("connected", []byte(`{}`)) {
		return
	}

	var lastSeq int64
	replay := func(events []*model.ProjectEvent) bool {
		for _, ev := range events {
			if !write(ev.Type, ev.Data) {
				return false
			}
			lastSeq = ev.Seq
		}
		return true
	}

	ctx := c.Request.Context()
	if afterSeq >= 0 {
		cursor := afterSeq
		for {
			events, err := s.store.ListProjectEventsAfterSeq(ctx, project.ID, cursor, eventReplayBatch)
			if err != nil {
				return
			}
			if !replay(events) {
				return
			}
			if len(events) < eventReplayBatch {
				break
			}
			cursor = events[len(events)-1].Seq
		}
	} else if !since.IsZero() {
		events, err := s.store.ListProjectEventsSince(ctx, project.ID, since, eventReplayBatch)
		if err != nil {
			return
		}
		if !replay(events) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if !write(ev.Type, ev.Data) {
				return
			}
			lastSeq = ev.Seq
		}
	}
}
