package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/agentapi"
	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/events"
	"github.com/discobot/discobot/internal/metrics"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/store"
	"github.com/discobot/discobot/pkg/aisdk"
)

// InProgressError reports a claim collision with the running completion's ID
// so clients can join its stream instead.
type InProgressError struct {
	CompletionID string
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("completion %s already in progress", e.CompletionID)
}

// ErrNoActiveCompletion rejects a cancel with nothing to cancel.
var ErrNoActiveCompletion = fmt.Errorf("no active completion")

// ErrNoUserMessage rejects a chat payload without a trailing user message.
var ErrNoUserMessage = fmt.Errorf("no user message in payload")

// Service owns every session's completion slot and chunk buffer.
type Service struct {
	store    *store.Store
	provider sandbox.Provider
	broker   *events.Broker
	reg      *registry
	logger   *logger.Logger
}

// NewService creates the completion Service.
func NewService(st *store.Store, provider sandbox.Provider, broker *events.Broker, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		provider: provider,
		broker:   broker,
		reg:      newRegistry(),
		logger:   log.WithFields(zap.String("component", "completion")),
	}
}

// Run claims the session's completion slot, persists the user message, and
// starts streaming from the agent in the background. The returned completion
// ID identifies the run; chunks arrive via Subscribe. Processing outlives
// the caller's request: client disconnects never cancel agent work.
func (s *Service) Run(ctx context.Context, sess *model.Session, messages []aisdk.UIMessage) (string, error) {
	userMsg, ok := aisdk.LastUserMessage(messages)
	if !ok {
		return "", ErrNoUserMessage
	}

	e := s.reg.entry(sess.ID)
	slotCtx, cancel := context.WithCancel(context.Background())
	completionID := model.NewID()
	if id, claimed := e.claim(completionID, cancel); !claimed {
		cancel()
		return "", &InProgressError{CompletionID: id}
	}

	if err := s.persistMessage(ctx, sess.ID, model.RoleUser, userMsg); err != nil {
		cancel()
		e.release()
		return "", err
	}

	metrics.CompletionsStarted.Inc()
	metrics.CompletionsActive.Inc()
	go s.stream(slotCtx, e, sess, completionID, messages)
	return completionID, nil
}

// Claim reserves the session's completion slot for agent conversations that
// bypass the chat endpoint, such as the commit turn. Holding the slot keeps a
// user completion from running concurrently against the same agent. The
// returned release func frees the slot; a running completion is reported via
// InProgressError.
func (s *Service) Claim(sessionID string) (func(), error) {
	e := s.reg.entry(sessionID)
	_, cancel := context.WithCancel(context.Background())
	if id, claimed := e.claim(model.NewID(), cancel); !claimed {
		cancel()
		return nil, &InProgressError{CompletionID: id}
	}
	return func() {
		e.release()
		cancel()
	}, nil
}

// Subscribe returns a replay-then-tail subscription over the session's
// current (or most recent) completion. ok is false when there is nothing to
// stream, which surfaces as 204 at the API.
func (s *Service) Subscribe(sessionID string) (*Subscription, bool) {
	e := s.reg.peek(sessionID)
	if e == nil {
		return nil, false
	}
	active, _, buffered := e.snapshot()
	if !active && buffered == 0 {
		return nil, false
	}
	return &Subscription{cur: cursor{entry: e}}, true
}

// Active reports whether a completion is running and its ID.
func (s *Service) Active(sessionID string) (bool, string) {
	e := s.reg.peek(sessionID)
	if e == nil {
		return false, ""
	}
	active, id, _ := e.snapshot()
	return active, id
}

// Cancel aborts the session's running completion: the in-sandbox agent is
// told to stop and the SSE reader is interrupted. The reader appends the
// synthetic finish chunk, so tailing clients terminate cleanly.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	e := s.reg.peek(sessionID)
	if e == nil {
		return ErrNoActiveCompletion
	}
	active, _, _ := e.snapshot()
	if !active {
		return ErrNoActiveCompletion
	}

	client := agentapi.New(s.provider, sessionID)
	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Cancel(cancelCtx); err != nil {
		s.logger.WithError(err).Warn("agent cancel failed",
			zap.String("session_id", sessionID))
	}
	if !e.abort() {
		return ErrNoActiveCompletion
	}
	return nil
}

// stream reads the agent's SSE response, buffering each chunk and folding it
// into the assistant message assembly. Runs detached from any HTTP request.
func (s *Service) stream(ctx context.Context, e *entry, sess *model.Session, completionID string, messages []aisdk.UIMessage) {
	defer metrics.CompletionsActive.Dec()

	assembler := aisdk.NewAssembler()
	outcome := "completed"
	if err := s.readAgent(ctx, e, sess.ID, assembler, messages); err != nil {
		if ctx.Err() != nil {
			outcome = "cancelled"
		} else {
			outcome = "error"
			s.logger.WithError(err).Warn("completion stream failed",
				zap.String("session_id", sess.ID),
				zap.String("completion_id", completionID))
			e.append(aisdk.ErrorChunk(err.Error()))
			assembler.Add(aisdk.ErrorChunk(err.Error()))
		}
	}
	// A cancelled or truncated stream still terminates for tailing clients.
	if !assembler.Terminal() {
		fin := aisdk.FinishChunk("stop")
		e.append(fin)
		assembler.Add(fin)
	}
	metrics.CompletionsFinished.WithLabelValues(outcome).Inc()

	// Persist whatever was assembled, then free the slot.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := assembler.Message(completionID)
	if len(msg.Parts) > 0 {
		if err := s.persistMessage(persistCtx, sess.ID, model.RoleAssistant, msg); err != nil {
			s.logger.WithError(err).Error("failed to persist assistant message",
				zap.String("session_id", sess.ID))
		}
	}
	e.release()

	if _, err := s.broker.Publish(persistCtx, sess.ProjectID, model.EventSessionUpdated, map[string]any{
		"sessionId":    sess.ID,
		"completionId": completionID,
		"completion":   outcome,
	}); err != nil {
		s.logger.WithError(err).Warn("failed to publish completion event",
			zap.String("session_id", sess.ID))
	}
}

// runningWaitTimeout bounds how long a completion waits for a freshly
// created session's agent to come up before failing the stream.
const runningWaitTimeout = 120 * time.Second

// waitForRunning blocks until the session reaches running. Completions may
// start while the session is still provisioning its sandbox.
func (s *Service) waitForRunning(ctx context.Context, sessionID string) error {
	deadline := time.Now().Add(runningWaitTimeout)
	for {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		switch sess.Status {
		case model.SessionRunning:
			return nil
		case model.SessionError:
			if sess.ErrorMessage != nil {
				return fmt.Errorf("session failed: %s", *sess.ErrorMessage)
			}
			return fmt.Errorf("session failed")
		case model.SessionClosed:
			return fmt.Errorf("session is closed")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for session %s to start", sessionID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Service) readAgent(ctx context.Context, e *entry, sessionID string, assembler *aisdk.Assembler, messages []aisdk.UIMessage) error {
	if err := s.waitForRunning(ctx, sessionID); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}

	client := agentapi.New(s.provider, sessionID)
	resp, err := client.Chat(ctx, payload)
	if err != nil {
		return fmt.Errorf("open agent stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := bytes.TrimSpace([]byte(strings.TrimPrefix(line, "data:")))
		if len(data) == 0 {
			continue
		}
		if string(data) == aisdk.DoneSentinel {
			return nil
		}
		chunk, err := aisdk.ParseChunk(data)
		if err != nil {
			s.logger.WithError(err).Debug("skipping malformed chunk",
				zap.String("session_id", sessionID))
			continue
		}
		e.append(chunk)
		assembler.Add(chunk)
		if chunk.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read agent stream: %w", err)
	}
	return nil
}

func (s *Service) persistMessage(ctx context.Context, sessionID string, role model.MessageRole, msg aisdk.UIMessage) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}
	id := msg.ID
	if id == "" || !model.ValidID(id) {
		id = model.NewID()
	}
	rec := &model.Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Parts:     parts,
	}
	if err := s.store.CreateMessage(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Message IDs from clients may repeat on retry; regenerate.
			rec.ID = model.NewID()
			return s.store.CreateMessage(ctx, rec)
		}
		return err
	}
	return nil
}

// Subscription is a replay-then-tail view over one session's chunk buffer.
type Subscription struct {
	cur cursor
}

// Next returns the next chunk; ok is false at end of stream or when ctx
// expires (err distinguishes the two).
func (s *Subscription) Next(ctx context.Context) (aisdk.Chunk, bool, error) {
	return s.cur.next(ctx)
}
