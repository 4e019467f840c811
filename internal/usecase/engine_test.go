package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parseltonguedev/EquilibriumLife/internal/domain"
	"github.com/parseltonguedev/EquilibriumLife/internal/repository"
)

type chatResponse struct {
	raw string
	err error
}

type mockLLM struct {
	responses []chatResponse
	callCount int
	flagged   bool
	modErr    error
	lastMsgs  []domain.ChatMessage
}

func (m *mockLLM) Chat(_ context.Context, _ string, messages []domain.ChatMessage) (string, error) {
	m.lastMsgs = messages
	if len(m.responses) == 0 {
		return "", errors.New("no llm response configured")
	}
	idx := m.callCount
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.callCount++
	return m.responses[idx].raw, m.responses[idx].err
}

func (m *mockLLM) Moderate(_ context.Context, _ string) (bool, error) {
	return m.flagged, m.modErr
}

type sentMessage struct {
	chatID int64
	text   string
}

type mockMessenger struct {
	sent    []sentMessage
	sendErr error
}

func (m *mockMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

// memStore is an in-memory store with the same version-conditioned write
// semantics as the DynamoDB-backed one.
type memStore struct {
	sessions  map[string]domain.Session
	profiles  map[string]domain.User
	reminders map[string]domain.Reminder
	turns     map[string][]domain.Turn
	entries   map[string][]domain.Entry

	saveCalls      int
	conflictOnSave int
	saveErr        error
	readErr        error
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  map[string]domain.Session{},
		profiles:  map[string]domain.User{},
		reminders: map[string]domain.Reminder{},
		turns:     map[string][]domain.Turn{},
		entries:   map[string][]domain.Entry{},
	}
}

func (m *memStore) GetSession(_ context.Context, userID string) (domain.Session, error) {
	if m.readErr != nil {
		return domain.Session{}, m.readErr
	}
	s, ok := m.sessions[userID]
	if !ok {
		return domain.Session{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *memStore) RecentTurns(_ context.Context, userID string, limit int) ([]domain.Turn, error) {
	all := m.turns[userID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *memStore) EntriesSince(_ context.Context, userID string, since time.Time, limit int) ([]domain.Entry, error) {
	cutoff := since.UTC().Format(time.RFC3339)
	var out []domain.Entry
	for _, e := range m.entries[userID] {
		if e.CreatedAt >= cutoff {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) SaveExchange(_ context.Context, userTurn, assistantTurn domain.Turn, entry *domain.Entry, sess domain.Session) error {
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.conflictOnSave > 0 {
		m.conflictOnSave--
		// Simulate a racing writer landing first.
		racing := m.sessions[sess.UserID]
		racing.UserID = sess.UserID
		racing.State = domain.StateIdle
		racing.Version++
		m.sessions[sess.UserID] = racing
		return repository.ErrConcurrentModification
	}
	if existing, ok := m.sessions[sess.UserID]; ok && existing.Version != sess.Version {
		return repository.ErrConcurrentModification
	}
	sess.Version++
	m.sessions[sess.UserID] = sess
	m.turns[sess.UserID] = append(m.turns[sess.UserID], userTurn, assistantTurn)
	if entry != nil {
		m.entries[entry.UserID] = append(m.entries[entry.UserID], *entry)
	}
	return nil
}

func (m *memStore) GetProfile(_ context.Context, userID string) (domain.User, error) {
	u, ok := m.profiles[userID]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (m *memStore) PutProfile(_ context.Context, u domain.User) error {
	m.profiles[u.UserID] = u
	return nil
}

func (m *memStore) GetReminder(_ context.Context, userID string) (domain.Reminder, error) {
	r, ok := m.reminders[userID]
	if !ok {
		return domain.Reminder{}, repository.ErrNotFound
	}
	return r, nil
}

func (m *memStore) PutReminder(_ context.Context, r domain.Reminder) error {
	m.reminders[r.UserID] = r
	return nil
}

func newTestEngine(t *testing.T, store *memStore, llm *mockLLM, msgr *mockMessenger) *Engine {
	t.Helper()
	e, err := NewEngine(store, llm, msgr, "test-model", 20)
	require.NoError(t, err)
	return e
}

func turnJSON(reply, hint string) string {
	return `{"reply":"` + reply + `","state_hint":"` + hint + `"}`
}

func TestNewEngineValidation(t *testing.T) {
	llm := &mockLLM{}
	msgr := &mockMessenger{}

	_, err := NewEngine(nil, llm, msgr, "m", 1)
	require.Error(t, err)
	_, err = NewEngine(newMemStore(), nil, msgr, "m", 1)
	require.Error(t, err)
	_, err = NewEngine(newMemStore(), llm, nil, "m", 1)
	require.Error(t, err)

	e, err := NewEngine(newMemStore(), llm, msgr, "", 0)
	require.NoError(t, err)
	require.Equal(t, defaultModel, e.model)
	require.Equal(t, defaultContextTurns, e.contextTurns)
}

func TestHandleMessageNewUser(t *testing.T) {
	store := newMemStore()
	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("Hi there!", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	err := e.HandleMessage(context.Background(), Inbound{UpdateID: 1, ChatID: 42, FirstName: "Ana", Text: "hello"})
	require.NoError(t, err)

	userID := domain.UserKey(42)

	profile := store.profiles[userID]
	require.Equal(t, "Ana", profile.FirstName)
	require.True(t, profile.RemindersEnabled)

	reminder := store.reminders[userID]
	require.True(t, reminder.Enabled)
	require.Equal(t, []string{domain.WindowMorning, domain.WindowEvening}, reminder.Windows)

	sess := store.sessions[userID]
	require.Equal(t, domain.StateIdle, sess.State)
	require.Equal(t, int64(1), sess.Version)

	turns := store.turns[userID]
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, int64(1), turns[0].Seq)
	require.Equal(t, "hello", turns[0].Text)
	require.Equal(t, domain.RoleAssistant, turns[1].Role)
	require.Equal(t, int64(2), turns[1].Seq)

	require.Len(t, msgr.sent, 1)
	require.Equal(t, int64(42), msgr.sent[0].chatID)
	require.Equal(t, "Hi there!", msgr.sent[0].text)

	// A brand-new user carries no conversation history into the prompt.
	require.Equal(t, "hello", llm.lastMsgs[len(llm.lastMsgs)-1].Content)
	require.Len(t, llm.lastMsgs, 3)
}

func TestHandleMessageRetriesOnConflict(t *testing.T) {
	store := newMemStore()
	store.sessions[domain.UserKey(7)] = domain.Session{UserID: domain.UserKey(7), State: domain.StateIdle, Version: 3}
	store.profiles[domain.UserKey(7)] = domain.User{UserID: domain.UserKey(7)}
	store.conflictOnSave = 1

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("ok", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	err := e.HandleMessage(context.Background(), Inbound{ChatID: 7, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, 2, store.saveCalls)
	require.Len(t, msgr.sent, 1)
}

func TestHandleMessageConflictRetriesExhausted(t *testing.T) {
	store := newMemStore()
	store.profiles[domain.UserKey(7)] = domain.User{UserID: domain.UserKey(7)}
	store.conflictOnSave = maxCycleRetries

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("ok", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	err := e.HandleMessage(context.Background(), Inbound{ChatID: 7, Text: "hi"})
	require.Error(t, err)
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorTransient, ucErr.Code)
	require.Empty(t, msgr.sent)
}

func TestHandleMessageAIFailureFallsBack(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(9)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateIdle, Version: 1}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{err: errors.New("deadline exceeded")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	err := e.HandleMessage(context.Background(), Inbound{ChatID: 9, Text: "how are you"})
	require.NoError(t, err)
	// One retry before degrading.
	require.Equal(t, 2, llm.callCount)

	sess := store.sessions[userID]
	require.Equal(t, domain.StateIdle, sess.State)
	require.Equal(t, 1, sess.Failures)

	require.Len(t, msgr.sent, 1)
	require.Equal(t, fallbackReplyText, msgr.sent[0].text)
}

func TestHandleMessageEntersBackoffAfterRepeatedFailures(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(9)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateIdle, Failures: maxAIFailures - 1, Version: 4}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{err: errors.New("boom")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 9, Text: "hey"}))
	require.Equal(t, domain.StateErrorBackoff, store.sessions[userID].State)
}

func TestHandleMessageRecoversFromBackoff(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(9)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateErrorBackoff, Failures: maxAIFailures, Version: 5}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("glad you're back", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 9, Text: "hello again"}))
	sess := store.sessions[userID]
	require.Equal(t, domain.StateIdle, sess.State)
	require.Zero(t, sess.Failures)
}

func TestHandleMessageModerationFlagged(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(5)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{flagged: true, responses: []chatResponse{{raw: turnJSON("should not be used", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 5, Text: "something harmful"}))
	require.Zero(t, llm.callCount)
	require.Len(t, msgr.sent, 1)
	require.Equal(t, supportiveText, msgr.sent[0].text)
}

func TestHandleMessageEmptyInput(t *testing.T) {
	store := newMemStore()
	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 3, Text: "   "}))
	require.Zero(t, store.saveCalls)
	require.Empty(t, store.sessions)
	require.Len(t, msgr.sent, 1)
	require.Equal(t, emptyInputText, msgr.sent[0].text)
}

func TestHandleMessageNoReplyWhenSaveFails(t *testing.T) {
	store := newMemStore()
	store.profiles[domain.UserKey(3)] = domain.User{UserID: domain.UserKey(3)}
	store.saveErr = errors.New("table unavailable")

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("ok", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	err := e.HandleMessage(context.Background(), Inbound{ChatID: 3, Text: "hi"})
	require.Error(t, err)
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	// Nothing was committed, so the caller must be told the message is
	// safe to redeliver.
	require.Equal(t, ErrorTransient, ucErr.Code)
	require.Equal(t, maxCycleRetries, store.saveCalls)
	require.Empty(t, msgr.sent)
}

func TestHandleMessageSessionReadFailureIsTransient(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("throttled")

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("ok", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	err := e.HandleMessage(context.Background(), Inbound{ChatID: 3, Text: "hi"})
	require.Error(t, err)
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorTransient, ucErr.Code)
	require.Zero(t, store.saveCalls)
	require.Empty(t, msgr.sent)
}

func TestHandleMessageStateHintStartsMoodDialog(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(11)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("Let's log it. 1 to 5?", "await_mood")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 11, Text: "I want to track my mood"}))
	sess := store.sessions[userID]
	require.Equal(t, domain.StateAwaitingInput, sess.State)
	require.Equal(t, domain.SlotMood, sess.Slot)
}

func TestHandleMessageUnknownHintKeepsState(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(11)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("hm", "teleport")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 11, Text: "hi"}))
	require.Equal(t, domain.StateIdle, store.sessions[userID].State)
}

func TestCheckinCommandStartsMoodDialog(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "/checkin"}))
	sess := store.sessions[userID]
	require.Equal(t, domain.StateAwaitingInput, sess.State)
	require.Equal(t, domain.SlotMood, sess.Slot)
	require.Equal(t, askMoodText, msgr.sent[0].text)
	// Commands never touch the AI collaborator.
	require.Zero(t, llm.callCount)
}

func TestMoodDialogEndToEnd(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("Take a short walk.", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)
	ctx := context.Background()

	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "/checkin"}))
	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "4"}))

	sess := store.sessions[userID]
	require.Equal(t, domain.SlotNote, sess.Slot)
	require.Equal(t, 4, sess.PendingMood)

	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "Great workout today"}))

	sess = store.sessions[userID]
	require.Equal(t, domain.StateIdle, sess.State)
	require.Zero(t, sess.PendingMood)

	entries := store.entries[userID]
	require.Len(t, entries, 1)
	require.Equal(t, 4, entries[0].Mood)
	require.Equal(t, "Great workout today", entries[0].Note)

	last := msgr.sent[len(msgr.sent)-1].text
	require.Contains(t, last, "Mood 4 logged")
	require.Contains(t, last, "Take a short walk.")
}

func TestMoodDialogRepromptsOnBadScore(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateAwaitingInput, Slot: domain.SlotMood, Version: 2}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "eleven"}))
	sess := store.sessions[userID]
	require.Equal(t, domain.StateAwaitingInput, sess.State)
	require.Equal(t, domain.SlotMood, sess.Slot)
	require.Equal(t, moodRepromptText, msgr.sent[0].text)
}

func TestMoodDialogSkipsNote(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateAwaitingInput, Slot: domain.SlotNote, PendingMood: 2, Version: 2}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{err: errors.New("llm down")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "skip"}))

	entries := store.entries[userID]
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].Mood)
	require.Empty(t, entries[0].Note)
	// Tip failure must not block the confirmation.
	require.Equal(t, moodSavedText(2), msgr.sent[0].text)
}

func TestLogMoodInline(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{err: errors.New("llm down")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "/logmood 5 sunny day"}))
	entries := store.entries[userID]
	require.Len(t, entries, 1)
	require.Equal(t, 5, entries[0].Mood)
	require.Equal(t, "sunny day", entries[0].Note)
}

func TestLogMoodRejectsBadScore(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "/logmood 9"}))
	require.Empty(t, store.entries[userID])
	require.Equal(t, logMoodUsageText, msgr.sent[0].text)
}

func TestSettingsFlow(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.profiles[userID] = domain.User{UserID: userID, RemindersEnabled: true}
	store.reminders[userID] = defaultReminder(userID)

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)
	ctx := context.Background()

	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "/settings"}))
	require.Equal(t, domain.SlotSettingsWindow, store.sessions[userID].Slot)

	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "morning"}))
	r := store.reminders[userID]
	require.True(t, r.Enabled)
	require.Equal(t, []string{domain.WindowMorning}, r.Windows)
	require.Equal(t, domain.SlotSettingsTZ, store.sessions[userID].Slot)

	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "+2"}))
	require.Equal(t, 120, store.profiles[userID].TZOffsetMinutes)
	require.Equal(t, 120, store.reminders[userID].TZOffsetMinutes)
	require.Equal(t, domain.StateIdle, store.sessions[userID].State)
	require.Equal(t, settingsSavedText, msgr.sent[len(msgr.sent)-1].text)
}

func TestSettingsOff(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateAwaitingInput, Slot: domain.SlotSettingsWindow, Version: 1}
	store.profiles[userID] = domain.User{UserID: userID, RemindersEnabled: true}
	store.reminders[userID] = defaultReminder(userID)

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "off"}))
	require.False(t, store.reminders[userID].Enabled)
	require.False(t, store.profiles[userID].RemindersEnabled)
	require.Equal(t, domain.StateIdle, store.sessions[userID].State)
}

func TestSettingsRejectsBadOffset(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateAwaitingInput, Slot: domain.SlotSettingsTZ, Version: 1}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "central time"}))
	require.Equal(t, domain.SlotSettingsTZ, store.sessions[userID].Slot)
	require.Equal(t, settingsRepromptTZ, msgr.sent[0].text)
}

func TestHistoryCommand(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)
	e.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "/history"}))
	require.Equal(t, historyNotFoundText, msgr.sent[0].text)

	store.entries[userID] = []domain.Entry{
		{UserID: userID, Mood: 2, CreatedAt: "2026-08-29T21:00:00Z"},
		{UserID: userID, Mood: 4, Note: "good run", CreatedAt: "2026-08-30T09:00:00Z"},
	}
	require.NoError(t, e.HandleMessage(ctx, Inbound{ChatID: 8, Text: "/history"}))

	out := msgr.sent[1].text
	require.Contains(t, out, "Mood History")
	require.Contains(t, out, "4/5")
	require.Contains(t, out, "good run")
	require.Contains(t, out, "2/5")
	// Newest entry listed first.
	require.Less(t, strings.Index(out, "4/5"), strings.Index(out, "2/5"))
}

func TestUnknownCommand(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateAwaitingInput, Slot: domain.SlotMood, Version: 2}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "/frobnicate"}))
	require.Equal(t, unknownCmdText, msgr.sent[0].text)
	// Unknown commands leave the dialog where it was.
	require.Equal(t, domain.SlotMood, store.sessions[userID].Slot)
}

func TestCancelCommand(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateAwaitingInput, Slot: domain.SlotNote, PendingMood: 3, Version: 2}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "/cancel"}))
	sess := store.sessions[userID]
	require.Equal(t, domain.StateIdle, sess.State)
	require.Zero(t, sess.PendingMood)
	require.Equal(t, cancelText, msgr.sent[0].text)
}

func TestCommandWithBotSuffix(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "/checkin@EquilibriumBot"}))
	require.Equal(t, askMoodText, msgr.sent[0].text)
}

func TestProcessingStateTreatedAsIdle(t *testing.T) {
	store := newMemStore()
	userID := domain.UserKey(8)
	store.sessions[userID] = domain.Session{UserID: userID, State: domain.StateProcessing, Slot: domain.SlotMood, Version: 6}
	store.profiles[userID] = domain.User{UserID: userID}

	llm := &mockLLM{responses: []chatResponse{{raw: turnJSON("hello", "none")}}}
	msgr := &mockMessenger{}
	e := newTestEngine(t, store, llm, msgr)

	// "3" would be a mood answer if the stale slot were honored; instead
	// it flows through the conversational path.
	require.NoError(t, e.HandleMessage(context.Background(), Inbound{ChatID: 8, Text: "3"}))
	require.Equal(t, domain.StateIdle, store.sessions[userID].State)
	require.Empty(t, store.entries[userID])
	require.Equal(t, "hello", msgr.sent[0].text)
}

func TestParseUTCOffset(t *testing.T) {
	cases := []struct {
		in    string
		hours int
		ok    bool
	}{
		{"+2", 2, true},
		{"0", 0, true},
		{"-5", -5, true},
		{" +13 ", 13, true},
		{"UTC+3", 0, false},
		{"3 UTC", 3, true},
		{"+15", 0, false},
		{"-13", 0, false},
		{"two", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		hours, ok := parseUTCOffset(tc.in)
		require.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			require.Equal(t, tc.hours, hours, "input %q", tc.in)
		}
	}
}

func TestRenderHistoryFormatsEntries(t *testing.T) {
	out := renderHistory([]domain.Entry{
		{Mood: 5, Note: "hiked", CreatedAt: "2026-08-30T09:30:00Z"},
		{Mood: 1, CreatedAt: "2026-08-28T20:00:00Z"},
	})
	require.True(t, strings.HasPrefix(out, historyHeaderText))
	require.Contains(t, out, "Aug 30 09:30")
	require.Contains(t, out, "5/5 (hiked)")
	require.Contains(t, out, "1/5")
	require.NotContains(t, out, "(\n")
}
