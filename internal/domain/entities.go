package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parseltonguedev/EquilibriumLife/internal/keys"
)

// SessionState is the conversation state machine position for one user.
type SessionState string

const (
	StateIdle          SessionState = "IDLE"
	StateAwaitingInput SessionState = "AWAITING_INPUT"
	StateProcessing    SessionState = "PROCESSING"
	StateErrorBackoff  SessionState = "ERROR_BACKOFF"
)

// Input slots used while a multi-step flow is collecting a value.
const (
	SlotMood           = "mood"
	SlotNote           = "note"
	SlotSettingsWindow = "settings_window"
	SlotSettingsTZ     = "settings_tz"
)

// Roles for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reminder windows.
const (
	WindowMorning = "morning"
	WindowEvening = "evening"
)

const userKeyPrefix = "telegram_"

// UserKey builds the partition key for a Telegram chat id.
func UserKey(chatID int64) string {
	return userKeyPrefix + strconv.FormatInt(chatID, 10)
}

// ChatID recovers the Telegram chat id from a partition key.
func ChatID(userID string) (int64, error) {
	raw, ok := strings.CutPrefix(userID, userKeyPrefix)
	if !ok {
		return 0, fmt.Errorf("domain: user id %q has no platform prefix", userID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("domain: user id %q has non-numeric chat id: %w", userID, err)
	}
	return id, nil
}

// User is the per-user profile record (sk = PROFILE).
type User struct {
	UserID           string `dynamodbav:"userId"`
	SK               string `dynamodbav:"sk"`
	FirstName        string `dynamodbav:"firstName"`
	TZOffsetMinutes  int    `dynamodbav:"tzOffsetMinutes"`
	RemindersEnabled bool   `dynamodbav:"remindersEnabled"`
	CreatedAt        string `dynamodbav:"createdAt"`
}

// Session is the single live conversation state record for a user
// (sk = SESSION). It is only ever written with a version condition.
type Session struct {
	UserID string       `dynamodbav:"userId"`
	SK     string       `dynamodbav:"sk"`
	State  SessionState `dynamodbav:"state"`
	// Slot names the value being collected while State is AWAITING_INPUT.
	Slot string `dynamodbav:"slot,omitempty"`
	// PendingMood carries a mood score across the note-collection step.
	PendingMood int `dynamodbav:"pendingMood,omitempty"`
	// Failures counts consecutive AI completion failures.
	Failures  int    `dynamodbav:"failures,omitempty"`
	Version   int64  `dynamodbav:"version"`
	UpdatedAt string `dynamodbav:"updatedAt"`
}

// Turn is one immutable conversation message (sk = TURN#<seq>).
type Turn struct {
	UserID    string `dynamodbav:"userId"`
	SK        string `dynamodbav:"sk"`
	Seq       int64  `dynamodbav:"seq"`
	Role      string `dynamodbav:"role"`
	Text      string `dynamodbav:"text"`
	CreatedAt string `dynamodbav:"createdAt"`
	TTL       int64  `dynamodbav:"ttl"`
}

// turnTTL bounds how long raw conversation turns are retained.
const turnTTL = 30 * 24 * time.Hour

// NewTurn constructs a Turn keyed by its sequence number.
func NewTurn(userID string, seq int64, role, text string, now time.Time) Turn {
	return Turn{
		UserID:    userID,
		SK:        keys.Turn(seq),
		Seq:       seq,
		Role:      role,
		Text:      text,
		CreatedAt: now.UTC().Format(time.RFC3339),
		TTL:       now.Add(turnTTL).Unix(),
	}
}

// Entry is a logged wellness observation (sk = ENTRY#<timestamp>).
type Entry struct {
	UserID    string `dynamodbav:"userId"`
	SK        string `dynamodbav:"sk"`
	Mood      int    `dynamodbav:"moodValue"`
	Note      string `dynamodbav:"notes"`
	CreatedAt string `dynamodbav:"createdAt"`
}

// NewEntry constructs a wellness Entry keyed by its timestamp.
func NewEntry(userID string, mood int, note string, now time.Time) Entry {
	return Entry{
		UserID:    userID,
		SK:        keys.Entry(now),
		Mood:      mood,
		Note:      note,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
}

// Reminder is the per-user reminder schedule (sk = REMINDER).
// LastDelivered is the UTC occurrence instant of the most recent
// successful dispatch; it never moves backward.
type Reminder struct {
	UserID          string   `dynamodbav:"userId"`
	SK              string   `dynamodbav:"sk"`
	Enabled         bool     `dynamodbav:"enabled"`
	Windows         []string `dynamodbav:"windows"`
	Frequency       string   `dynamodbav:"frequency"`
	TZOffsetMinutes int      `dynamodbav:"tzOffsetMinutes"`
	LastDelivered   string   `dynamodbav:"lastDelivered,omitempty"`
	Version         int64    `dynamodbav:"version"`
}

// DedupeRecord marks an inbound update id as processed or in flight
// (sk = EVENT#<updateId>). Expires via the table TTL attribute.
type DedupeRecord struct {
	UserID    string `dynamodbav:"userId"`
	SK        string `dynamodbav:"sk"`
	CreatedAt string `dynamodbav:"createdAt"`
	TTL       int64  `dynamodbav:"ttl"`
}

// Completion is the parsed result of one AI exchange.
type Completion struct {
	Reply     string
	StateHint string
}
