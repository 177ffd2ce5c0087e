package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"support_agent/internal/logger"
	"support_agent/pkg"
)

// Reply is the structured result of one turn.
type Reply struct {
	Text   string            `json:"reply_text"`
	Cards  []pkg.ReplyCard   `json:"cards,omitempty"`
	Status pkg.SessionStatus `json:"session_status"`
}

// Engine drives the workflow state machine. Each user turn and each decision
// resume runs as an independent unit of work; within a session the store's
// version check is the only concurrency control.
type Engine struct {
	store    SessionStore
	hub      Notifier
	ledger   RefundLedger
	nodes    map[NodeName]Node
	maxSteps int
}

// NewEngine creates an engine over the given store and notifier.
func NewEngine(store SessionStore, hub Notifier, ledger RefundLedger, maxSteps int) *Engine {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	return &Engine{
		store:    store,
		hub:      hub,
		ledger:   ledger,
		nodes:    make(map[NodeName]Node),
		maxSteps: maxSteps,
	}
}

// Register adds a node to the dispatch table.
func (e *Engine) Register(node Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}
	name := node.Name()
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	e.nodes[name] = node
	return nil
}

// HandleMessage is the turn entry point: loads or creates session state, runs
// a bounded chain of nodes, commits the whole turn with one version-checked
// store, and returns the packaged reply. It never blocks on external events.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, userID, text string) (*Reply, error) {
	if sessionID == "" || userID == "" {
		return nil, fmt.Errorf("session id and user id are required")
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		state, version, err := e.store.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		e.initState(state, sessionID, userID)

		// Ownership is checked before anything else so a foreign caller
		// learns nothing about the session, not even its status.
		if state.UserID != userID {
			logger.Warn().
				Str("session_id", sessionID).
				Str("session_user", state.UserID).
				Str("caller_user", userID).
				Msg("user id does not match session owner")
			return nil, fmt.Errorf("session %s does not belong to user %s", sessionID, userID)
		}

		// A session awaiting human review answers with the fixed reply and
		// does not advance the state machine or bump the version.
		if state.Status == pkg.StatusAwaitingReview {
			logger.Debug().Str("session_id", sessionID).Msg("message while awaiting review, short-circuiting")
			return &Reply{Text: ReviewPendingReply, Status: state.Status}, nil
		}
		if state.Status == pkg.StatusCompleted {
			return &Reply{Text: "This conversation is closed. Please start a new session.", Status: state.Status}, nil
		}

		turn := &Turn{State: state, UserMessage: text}
		state.Messages = append(state.Messages, pkg.Message{
			Role:      "user",
			Content:   text,
			Timestamp: time.Now(),
		})

		if err := e.run(ctx, turn, NodeIntentRoute); err != nil {
			if errors.Is(err, ErrExternal) {
				// Recoverable: abandon the turn, prior persisted state stays
				// authoritative.
				logger.Warn().Str("session_id", sessionID).Err(err).Msg("turn abandoned on external failure")
				return &Reply{Text: TransientReply, Status: state.Status}, nil
			}
			return nil, err
		}

		if _, err := e.store.Store(ctx, sessionID, version, state); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				logger.Warn().Str("session_id", sessionID).Int("attempt", attempt).Msg("version conflict, retrying turn")
				continue
			}
			return nil, fmt.Errorf("store session %s: %w", sessionID, err)
		}

		e.runEffects(ctx, turn)
		e.publish(turn)
		return &Reply{Text: turn.ReplyText, Cards: turn.Cards, Status: state.Status}, nil
	}

	// Second conflict: fatal for this turn, prompt the user to resend.
	logger.Error().Str("session_id", sessionID).Err(lastErr).Msg("turn failed after conflict retry")
	return &Reply{Text: TransientReply, Status: pkg.StatusActive}, nil
}

// ResumeDecision is the resume entry point, invoked only through the
// escalation queue's decision callback. It applies a terminal review verdict
// to the suspended session and returns it to ACTIVE.
func (e *Engine) ResumeDecision(ctx context.Context, dec Decision) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		state, version, err := e.store.Load(ctx, dec.SessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", dec.SessionID, err)
		}
		if state.Status != pkg.StatusAwaitingReview || state.PendingTaskID != dec.TaskID {
			logger.Error().
				Str("session_id", dec.SessionID).
				Str("task_id", dec.TaskID).
				Str("status", string(state.Status)).
				Msg("decision arrived for a session not awaiting it")
			return ErrStaleDecision
		}

		turn := &Turn{State: state, Decision: &dec}
		if err := e.run(ctx, turn, NodeResumeDecision); err != nil {
			return err
		}

		if _, err := e.store.Store(ctx, dec.SessionID, version, state); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				logger.Warn().Str("session_id", dec.SessionID).Int("attempt", attempt).Msg("resume conflict, retrying")
				continue
			}
			return fmt.Errorf("store session %s: %w", dec.SessionID, err)
		}

		e.runEffects(ctx, turn)
		e.publish(turn)
		return nil
	}
	logger.Error().Str("session_id", dec.SessionID).Err(lastErr).Msg("resume failed after conflict retry")
	return lastErr
}

// Status is the polling fallback for disconnected clients.
func (e *Engine) Status(ctx context.Context, sessionID string) (pkg.SessionStatus, time.Time, error) {
	state, _, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	if state.Status == "" {
		return pkg.StatusActive, time.Time{}, nil
	}
	return state.Status, state.LastReplyAt, nil
}

// OnTaskResult is the background-task completion callback. It updates the
// refund record's delivery status and publishes a best-effort notification;
// it never re-enters the state machine.
func (e *Engine) OnTaskResult(refundID string, outcome pkg.TaskOutcome) {
	if e.ledger == nil {
		return
	}
	record, err := e.ledger.SetDeliveryStatus(refundID, outcome)
	if err != nil {
		logger.Warn().Str("refund_id", refundID).Err(err).Msg("task result for unknown refund record")
		return
	}
	if e.hub != nil {
		e.hub.Publish(record.UserID, pkg.Event{
			Type:      pkg.EventTaskResult,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"refund_id": refundID,
				"outcome":   string(outcome),
			},
		})
	}
	logger.Info().Str("refund_id", refundID).Str("outcome", string(outcome)).Msg("background task completed")
}

// run executes nodes starting at entry until a terminal node, with a hard
// bound on chain length so a turn always terminates.
func (e *Engine) run(ctx context.Context, turn *Turn, entry NodeName) error {
	current := entry
	for steps := 0; current != NodeDone; steps++ {
		if steps >= e.maxSteps {
			return fmt.Errorf("turn exceeded %d steps at node %s", e.maxSteps, current)
		}
		node, ok := e.nodes[current]
		if !ok {
			return fmt.Errorf("node not found: %s", current)
		}
		logger.Debug().Str("session_id", turn.State.SessionID).Str("node", string(current)).Msg("executing node")

		// The reply node records where the session parks, so CurrentNode is
		// left to the nodes themselves.
		next, err := node.Execute(ctx, turn)
		if err != nil {
			return fmt.Errorf("node %s: %w", current, err)
		}
		current = next
	}
	return nil
}

// runEffects executes the turn's deferred side effects. Called only after a
// successful commit: an abandoned or retried attempt never runs its effects,
// so external writes and dispatches happen exactly once per applied turn.
func (e *Engine) runEffects(ctx context.Context, turn *Turn) {
	for _, fn := range turn.Effects {
		fn(ctx)
	}
}

// publish delivers the turn's queued events after a successful commit.
func (e *Engine) publish(turn *Turn) {
	if e.hub == nil {
		return
	}
	for _, ev := range turn.Events {
		identity, _ := ev.Payload["identity"].(string)
		delete(ev.Payload, "identity")
		if identity == "" {
			identity = turn.State.UserID
		}
		e.hub.Publish(identity, ev)
	}
}

func (e *Engine) initState(state *SessionState, sessionID, userID string) {
	if state.SessionID == "" {
		now := time.Now()
		state.SessionID = sessionID
		state.UserID = userID
		state.Status = pkg.StatusActive
		state.CurrentNode = NodeIntentRoute
		state.CreatedAt = now
		state.UpdatedAt = now
	}
}
