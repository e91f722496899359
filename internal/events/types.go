// Package events fans project events out to SSE subscribers. Events are
// persisted first; the broker and poller layers only distribute rows the
// store has already sequenced.
package events

// Bus subjects used to move project events between processes. The payload is
// the persisted event row; ordering still comes from the store sequence.
const (
	// SubjectProjectEvent is published after every persisted project event.
	SubjectProjectEvent = "project.event"
)
