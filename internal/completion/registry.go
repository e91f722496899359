// Package completion proxies chat turns to the in-sandbox agent and fans the
// resulting chunk stream out to HTTP clients. One completion runs per session
// at a time; its chunks are buffered so late or reconnecting clients replay
// from the first chunk and then tail live.
package completion

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/discobot/discobot/pkg/aisdk"
)

const shardCount = 16

// registry holds per-session completion state, sharded to keep lock
// contention off the hot streaming path.
type registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *registry) entry(sessionID string) *entry {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	s := &r.shards[h.Sum32()%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{notify: make(chan struct{})}
		s.entries[sessionID] = e
	}
	return e
}

// peek returns the session's entry without creating one.
func (r *registry) peek(sessionID string) *entry {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	s := &r.shards[h.Sum32()%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[sessionID]
}

// entry is one session's completion slot plus the chunk buffer of the most
// recent completion. The buffer survives slot release so a reconnect after
// the agent finished still replays the stream.
type entry struct {
	mu           sync.Mutex
	active       bool
	completionID string
	cancel       context.CancelFunc
	buffer       []aisdk.Chunk
	// done marks the buffer complete: replay-then-EOF, no tailing.
	done bool
	// notify is closed and replaced on every append so tailing cursors
	// wake without polling.
	notify chan struct{}
}

// claim atomically takes the completion slot. On contention it reports the
// running completion's ID. A successful claim resets the buffer.
func (e *entry) claim(completionID string, cancel context.CancelFunc) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return e.completionID, false
	}
	e.active = true
	e.completionID = completionID
	e.cancel = cancel
	e.buffer = e.buffer[:0]
	e.done = false
	e.bump()
	return completionID, true
}

// append adds a chunk to the buffer and wakes tailing cursors.
func (e *entry) append(c aisdk.Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.buffer = append(e.buffer, c)
	e.bump()
}

// release frees the slot and seals the buffer.
func (e *entry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
	e.cancel = nil
	e.done = true
	e.bump()
}

// bump wakes waiters. Callers hold e.mu.
func (e *entry) bump() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// abort cancels the reader goroutine if a completion is active and returns
// whether there was one.
func (e *entry) abort() bool {
	e.mu.Lock()
	cancel := e.cancel
	active := e.active
	e.mu.Unlock()
	if active && cancel != nil {
		cancel()
	}
	return active
}

// snapshot reports the slot state for status checks.
func (e *entry) snapshot() (active bool, completionID string, buffered int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, e.completionID, len(e.buffer)
}

// cursor iterates the buffer from the start, then tails live appends. The
// replay/tail boundary is invisible to the caller: next blocks once the
// cursor catches up and the completion is still streaming.
type cursor struct {
	entry *entry
	idx   int
}

// next returns the next chunk. ok is false when the stream is complete or
// ctx expired; err carries the ctx error in the latter case.
func (c *cursor) next(ctx context.Context) (aisdk.Chunk, bool, error) {
	for {
		c.entry.mu.Lock()
		if c.idx < len(c.entry.buffer) {
			chunk := c.entry.buffer[c.idx]
			c.idx++
			c.entry.mu.Unlock()
			return chunk, true, nil
		}
		if c.entry.done {
			c.entry.mu.Unlock()
			return aisdk.Chunk{}, false, nil
		}
		wait := c.entry.notify
		c.entry.mu.Unlock()

		select {
		case <-ctx.Done():
			return aisdk.Chunk{}, false, ctx.Err()
		case <-wait:
		}
	}
}
