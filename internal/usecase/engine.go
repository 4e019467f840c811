// Package usecase holds the conversation engine and the reminder
// scheduler: all state transitions over the wellness table happen here,
// coordinated only through the store's conditional writes.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parseltonguedev/EquilibriumLife/internal/domain"
	"github.com/parseltonguedev/EquilibriumLife/internal/repository"
)

const (
	defaultContextTurns = 20
	defaultModel        = "gpt-3.5-turbo"
	historyDays         = 30
	historyEntries      = 60
	// maxCycleRetries bounds how often one inbound message is replayed
	// locally, whether the cycle lost a version race or hit a storage
	// failure before anything was committed. After that the dispatcher
	// is told to let the platform redeliver.
	maxCycleRetries = 3
	// consecutive AI failures before the session parks in ERROR_BACKOFF.
	maxAIFailures = 3
	aiTimeout     = 8 * time.Second
)

// Store is the persistence surface the conversation engine needs.
type Store interface {
	GetSession(ctx context.Context, userID string) (domain.Session, error)
	RecentTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	EntriesSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Entry, error)
	SaveExchange(ctx context.Context, userTurn, assistantTurn domain.Turn, entry *domain.Entry, sess domain.Session) error
	GetProfile(ctx context.Context, userID string) (domain.User, error)
	PutProfile(ctx context.Context, u domain.User) error
	GetReminder(ctx context.Context, userID string) (domain.Reminder, error)
	PutReminder(ctx context.Context, r domain.Reminder) error
}

// LLMClient is the AI completion collaborator.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

// Messenger is the outbound side of the chat platform.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Engine drives the per-user conversation state machine.
type Engine struct {
	store        Store
	llm          LLMClient
	msgr         Messenger
	model        string
	contextTurns int

	now func() time.Time
}

// NewEngine validates dependencies and applies defaults.
func NewEngine(store Store, llm LLMClient, msgr Messenger, model string, contextTurns int) (*Engine, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if msgr == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	if contextTurns <= 0 {
		contextTurns = defaultContextTurns
	}
	return &Engine{
		store:        store,
		llm:          llm,
		msgr:         msgr,
		model:        model,
		contextTurns: contextTurns,
		now:          time.Now,
	}, nil
}

// Inbound is one deduplicated platform update.
type Inbound struct {
	UpdateID  int64
	ChatID    int64
	FirstName string
	Text      string
}

// outcome is one computed transition: the reply to emit, the next session,
// and an optional wellness entry, all persisted atomically.
type outcome struct {
	reply   string
	session domain.Session
	entry   *domain.Entry
}

// HandleMessage runs the full transition cycle for one inbound message:
// read session and context, compute the transition, persist it with a
// version-conditioned write, and only then emit the reply. A losing
// conditional write replays the whole cycle against the fresh state.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) error {
	if in.ChatID == 0 {
		return newError(ErrorInvalidInput, "missing_chat_id", nil)
	}
	userID := domain.UserKey(in.ChatID)
	text := strings.TrimSpace(in.Text)

	if text == "" {
		// Acknowledged without an AI call or a durable record.
		if err := e.msgr.SendMessage(ctx, in.ChatID, emptyInputText); err != nil {
			slog.Warn("empty-input ack failed", "user", userID, "err", err)
		}
		return nil
	}

	var (
		reply   string
		lastErr error
	)
	committed := false
	for attempt := 0; attempt < maxCycleRetries && !committed; attempt++ {
		sess, err := e.loadSession(ctx, userID)
		if err != nil {
			lastErr = fmt.Errorf("read session: %w", err)
			continue
		}
		if err := e.ensureUser(ctx, userID, in.FirstName); err != nil {
			lastErr = err
			continue
		}
		history, err := e.store.RecentTurns(ctx, userID, e.contextTurns)
		if err != nil {
			lastErr = fmt.Errorf("read turns: %w", err)
			continue
		}

		out, err := e.step(ctx, userID, text, sess, history)
		if err != nil {
			// Conflicts and storage failures inside the transition
			// happen before anything was committed, so replaying the
			// full cycle is safe.
			lastErr = err
			continue
		}

		nextSeq := int64(1)
		if len(history) > 0 {
			nextSeq = history[len(history)-1].Seq + 1
		}
		now := e.now()
		out.session.UpdatedAt = now.UTC().Format(time.RFC3339)

		err = e.store.SaveExchange(ctx,
			domain.NewTurn(userID, nextSeq, domain.RoleUser, text, now),
			domain.NewTurn(userID, nextSeq+1, domain.RoleAssistant, out.reply, now),
			out.entry,
			out.session,
		)
		if err != nil {
			lastErr = fmt.Errorf("save exchange: %w", err)
			continue
		}
		reply = out.reply
		committed = true
	}
	if !committed {
		// Nothing was committed, so the platform's redelivery can
		// retry the whole message safely.
		return newError(ErrorTransient, "retries_exhausted", lastErr)
	}

	// Reply only after the exchange is durable. A failed send leaves the
	// turn recorded but unsent, which is tolerable; signalling failure
	// here would make the platform redeliver an already-recorded update.
	if err := e.msgr.SendMessage(ctx, in.ChatID, reply); err != nil {
		slog.Error("reply send failed after commit", "user", userID, "err", err)
	}
	return nil
}

// step computes one transition without touching the session record.
func (e *Engine) step(ctx context.Context, userID, text string, sess domain.Session, history []domain.Turn) (outcome, error) {
	if strings.HasPrefix(text, "/") {
		return e.runCommand(ctx, userID, text, sess)
	}
	if sess.State == domain.StateAwaitingInput {
		return e.fillSlot(ctx, userID, text, sess)
	}
	return e.converse(ctx, text, sess, history)
}

// converse is the free-text path: moderation, AI completion with one
// retry, and hint-driven state transition. Completion failures never
// corrupt the session; they degrade to the deterministic fallback reply.
func (e *Engine) converse(ctx context.Context, text string, sess domain.Session, history []domain.Turn) (outcome, error) {
	flagged, err := e.llm.Moderate(ctx, text)
	if err != nil {
		slog.Warn("moderation unavailable, continuing unmoderated", "err", err)
		flagged = false
	}
	if flagged {
		return outcome{reply: supportiveText, session: sess}, nil
	}

	raw, err := e.complete(ctx, buildConversationMessages(sess, history, text))
	if err != nil {
		return e.degrade(sess, err), nil
	}
	comp, err := parseAssistantTurn(raw)
	if err != nil {
		return e.degrade(sess, err), nil
	}
	sess.Failures = 0
	return outcome{reply: comp.Reply, session: applyHint(sess, comp.StateHint)}, nil
}

// complete invokes the AI collaborator with a bounded timeout, retrying
// once before giving up.
func (e *Engine) complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, aiTimeout)
		raw, err := e.llm.Chat(cctx, e.model, messages)
		cancel()
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// degrade records an AI failure and produces the safe default reply. The
// state machine position is preserved until repeated failures park the
// session in ERROR_BACKOFF.
func (e *Engine) degrade(sess domain.Session, cause error) outcome {
	slog.Warn("ai completion degraded to fallback", "err", cause)
	sess.Failures++
	if sess.Failures >= maxAIFailures {
		sess.State = domain.StateErrorBackoff
		sess.Slot = ""
		sess.PendingMood = 0
	}
	return outcome{reply: fallbackReplyText, session: sess}
}

// applyHint maps a completion's state hint onto the session. Unrecognized
// hints mean "no transition"; a successful completion always lifts the
// session out of ERROR_BACKOFF.
func applyHint(sess domain.Session, hint string) domain.Session {
	switch hint {
	case hintAwaitMood:
		sess.State = domain.StateAwaitingInput
		sess.Slot = domain.SlotMood
		sess.PendingMood = 0
	case hintAwaitNote:
		// Only meaningful when a score is already pending.
		if sess.PendingMood >= 1 {
			sess.State = domain.StateAwaitingInput
			sess.Slot = domain.SlotNote
		} else if sess.State == domain.StateErrorBackoff {
			sess.State = domain.StateIdle
		}
	case hintIdle:
		sess.State = domain.StateIdle
		sess.Slot = ""
		sess.PendingMood = 0
	default:
		if sess.State == domain.StateErrorBackoff {
			sess.State = domain.StateIdle
		}
	}
	return sess
}

// loadSession reads the live session, treating absence as a fresh IDLE
// machine and a stale PROCESSING marker as a crash artifact.
func (e *Engine) loadSession(ctx context.Context, userID string) (domain.Session, error) {
	sess, err := e.store.GetSession(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Session{UserID: userID, State: domain.StateIdle}, nil
	}
	if err != nil {
		return domain.Session{}, err
	}
	if sess.State == domain.StateProcessing {
		sess.State = domain.StateIdle
		sess.Slot = ""
	}
	return sess, nil
}

// ensureUser creates the profile and a default reminder schedule on first
// contact. A racing invocation creating the same reminder is harmless.
func (e *Engine) ensureUser(ctx context.Context, userID, firstName string) error {
	_, err := e.store.GetProfile(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.store.PutProfile(ctx, domain.User{
		UserID:           userID,
		FirstName:        firstName,
		RemindersEnabled: true,
		CreatedAt:        now,
	}); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	err = e.store.PutReminder(ctx, defaultReminder(userID))
	if err != nil && !errors.Is(err, repository.ErrConcurrentModification) {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

func defaultReminder(userID string) domain.Reminder {
	return domain.Reminder{
		UserID:    userID,
		Enabled:   true,
		Windows:   []string{domain.WindowMorning, domain.WindowEvening},
		Frequency: "daily",
	}
}

// loadReminder reads the schedule, falling back to the default when a
// user predates reminder records.
func (e *Engine) loadReminder(ctx context.Context, userID string) (domain.Reminder, error) {
	r, err := e.store.GetReminder(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return defaultReminder(userID), nil
	}
	if err != nil {
		return domain.Reminder{}, err
	}
	return r, nil
}

// moodTip asks the AI collaborator for one actionable tip. Best effort:
// any failure yields an empty tip and the plain confirmation.
func (e *Engine) moodTip(ctx context.Context, mood int) string {
	raw, err := e.complete(ctx, []domain.ChatMessage{
		{Role: "system", Content: moodTipPrompt(mood)},
	})
	if err != nil {
		slog.Warn("mood tip unavailable", "err", err)
		return ""
	}
	comp, err := parseAssistantTurn(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(comp.Reply)
}
