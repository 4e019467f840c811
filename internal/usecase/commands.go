package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parseltonguedev/EquilibriumLife/internal/domain"
)

const (
	moodMin = 1
	moodMax = 5

	tzOffsetMinHours = -12
	tzOffsetMaxHours = 14
)

type commandContext struct {
	userID string
	args   []string
	sess   domain.Session
}

type commandFunc func(ctx context.Context, e *Engine, cc commandContext) (outcome, error)

var commandTable = map[string]commandFunc{
	"start":    cmdStart,
	"logmood":  cmdLogMood,
	"checkin":  cmdCheckin,
	"history":  cmdHistory,
	"settings": cmdSettings,
	"cancel":   cmdCancel,
}

// runCommand dispatches a slash command. Commands interrupt whatever the
// session was doing; an unknown command leaves it untouched.
func (e *Engine) runCommand(ctx context.Context, userID, text string, sess domain.Session) (outcome, error) {
	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats suffix commands with the bot username.
	name, _, _ = strings.Cut(name, "@")

	cmd, ok := commandTable[name]
	if !ok {
		return outcome{reply: unknownCmdText, session: sess}, nil
	}
	return cmd(ctx, e, commandContext{userID: userID, args: fields[1:], sess: sess})
}

func cmdStart(_ context.Context, _ *Engine, cc commandContext) (outcome, error) {
	return outcome{reply: welcomeText, session: resetToIdle(cc.sess)}, nil
}

func cmdCancel(_ context.Context, _ *Engine, cc commandContext) (outcome, error) {
	return outcome{reply: cancelText, session: resetToIdle(cc.sess)}, nil
}

// cmdLogMood records a score inline when arguments are given, otherwise
// starts the guided mood dialog.
func cmdLogMood(ctx context.Context, e *Engine, cc commandContext) (outcome, error) {
	if len(cc.args) == 0 {
		return askMood(cc.sess), nil
	}
	mood, err := strconv.Atoi(cc.args[0])
	if err != nil || mood < moodMin || mood > moodMax {
		return outcome{reply: logMoodUsageText, session: cc.sess}, nil
	}
	note := strings.Join(cc.args[1:], " ")
	return e.recordMood(ctx, cc.userID, mood, note, cc.sess)
}

func cmdCheckin(_ context.Context, _ *Engine, cc commandContext) (outcome, error) {
	return askMood(cc.sess), nil
}

func cmdHistory(ctx context.Context, e *Engine, cc commandContext) (outcome, error) {
	since := e.now().AddDate(0, 0, -historyDays)
	entries, err := e.store.EntriesSince(ctx, cc.userID, since, historyEntries)
	if err != nil {
		return outcome{}, fmt.Errorf("read entries: %w", err)
	}
	if len(entries) == 0 {
		return outcome{reply: historyNotFoundText, session: cc.sess}, nil
	}
	return outcome{reply: renderHistory(entries), session: cc.sess}, nil
}

func cmdSettings(_ context.Context, _ *Engine, cc commandContext) (outcome, error) {
	sess := cc.sess
	sess.State = domain.StateAwaitingInput
	sess.Slot = domain.SlotSettingsWindow
	sess.PendingMood = 0
	return outcome{reply: settingsWindowPrompt, session: sess}, nil
}

// fillSlot consumes free text while the session is waiting for a specific
// answer. Unparseable answers reprompt without moving the machine.
func (e *Engine) fillSlot(ctx context.Context, userID, text string, sess domain.Session) (outcome, error) {
	switch sess.Slot {
	case domain.SlotMood:
		mood, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil || mood < moodMin || mood > moodMax {
			return outcome{reply: moodRepromptText, session: sess}, nil
		}
		sess.PendingMood = mood
		sess.Slot = domain.SlotNote
		return outcome{reply: askNotesText(mood), session: sess}, nil

	case domain.SlotNote:
		note := text
		if strings.EqualFold(strings.TrimSpace(note), "skip") {
			note = ""
		}
		return e.recordMood(ctx, userID, sess.PendingMood, note, sess)

	case domain.SlotSettingsWindow:
		return e.fillSettingsWindow(ctx, userID, text, sess)

	case domain.SlotSettingsTZ:
		return e.fillSettingsTZ(ctx, userID, text, sess)

	default:
		// Unknown slot means a corrupt session record; recover to IDLE.
		return outcome{reply: cancelText, session: resetToIdle(sess)}, nil
	}
}

// recordMood builds the entry and the confirmation reply, enriched with a
// best-effort AI tip. The entry itself is persisted with the exchange.
func (e *Engine) recordMood(ctx context.Context, userID string, mood int, note string, sess domain.Session) (outcome, error) {
	entry := domain.NewEntry(userID, mood, note, e.now())
	reply := moodSavedText(mood)
	if tip := e.moodTip(ctx, mood); tip != "" {
		reply += aiTipSuffix(tip)
	}
	return outcome{reply: reply, session: resetToIdle(sess), entry: &entry}, nil
}

func (e *Engine) fillSettingsWindow(ctx context.Context, userID, text string, sess domain.Session) (outcome, error) {
	r, err := e.loadReminder(ctx, userID)
	if err != nil {
		return outcome{}, fmt.Errorf("read reminder: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(text)) {
	case "off":
		r.Enabled = false
		if err := e.store.PutReminder(ctx, r); err != nil {
			return outcome{}, fmt.Errorf("save reminder: %w", err)
		}
		if err := e.setRemindersEnabled(ctx, userID, false); err != nil {
			return outcome{}, err
		}
		return outcome{reply: settingsOffText, session: resetToIdle(sess)}, nil
	case "morning":
		r.Windows = []string{domain.WindowMorning}
	case "evening":
		r.Windows = []string{domain.WindowEvening}
	case "both":
		r.Windows = []string{domain.WindowMorning, domain.WindowEvening}
	default:
		return outcome{reply: settingsWindowPrompt, session: sess}, nil
	}

	r.Enabled = true
	if err := e.store.PutReminder(ctx, r); err != nil {
		return outcome{}, fmt.Errorf("save reminder: %w", err)
	}
	if err := e.setRemindersEnabled(ctx, userID, true); err != nil {
		return outcome{}, err
	}
	sess.Slot = domain.SlotSettingsTZ
	return outcome{reply: settingsTZPrompt, session: sess}, nil
}

func (e *Engine) fillSettingsTZ(ctx context.Context, userID, text string, sess domain.Session) (outcome, error) {
	hours, ok := parseUTCOffset(text)
	if !ok {
		return outcome{reply: settingsRepromptTZ, session: sess}, nil
	}
	offset := hours * 60

	profile, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return outcome{}, fmt.Errorf("read profile: %w", err)
	}
	profile.TZOffsetMinutes = offset
	if err := e.store.PutProfile(ctx, profile); err != nil {
		return outcome{}, fmt.Errorf("save profile: %w", err)
	}

	r, err := e.loadReminder(ctx, userID)
	if err != nil {
		return outcome{}, fmt.Errorf("read reminder: %w", err)
	}
	r.TZOffsetMinutes = offset
	if err := e.store.PutReminder(ctx, r); err != nil {
		return outcome{}, fmt.Errorf("save reminder: %w", err)
	}
	return outcome{reply: settingsSavedText, session: resetToIdle(sess)}, nil
}

func (e *Engine) setRemindersEnabled(ctx context.Context, userID string, enabled bool) error {
	profile, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	profile.RemindersEnabled = enabled
	if err := e.store.PutProfile(ctx, profile); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// parseUTCOffset accepts whole-hour offsets like "+2", "0" or "-5".
func parseUTCOffset(text string) (int, bool) {
	s := strings.TrimSpace(text)
	s = strings.TrimSuffix(strings.ToUpper(s), "UTC")
	s = strings.TrimSpace(s)
	hours, err := strconv.Atoi(strings.TrimPrefix(s, "+"))
	if err != nil || hours < tzOffsetMinHours || hours > tzOffsetMaxHours {
		return 0, false
	}
	return hours, true
}

func askMood(sess domain.Session) outcome {
	sess.State = domain.StateAwaitingInput
	sess.Slot = domain.SlotMood
	sess.PendingMood = 0
	return outcome{reply: askMoodText, session: sess}
}

func resetToIdle(sess domain.Session) domain.Session {
	sess.State = domain.StateIdle
	sess.Slot = ""
	sess.PendingMood = 0
	sess.Failures = 0
	return sess
}

// renderHistory lists entries newest first; the store returns the range
// oldest first.
func renderHistory(entries []domain.Entry) string {
	var b strings.Builder
	b.WriteString(historyHeaderText)
	for i := len(entries) - 1; i >= 0; i-- {
		en := entries[i]
		b.WriteString("\n")
		day := en.CreatedAt
		if t, err := time.Parse(time.RFC3339, en.CreatedAt); err == nil {
			day = t.Format("Jan 02 15:04")
		}
		fmt.Fprintf(&b, "%s: %s %d/5", day, moodGlyph(en.Mood), en.Mood)
		if en.Note != "" {
			fmt.Fprintf(&b, " (%s)", en.Note)
		}
	}
	return b.String()
}

func moodGlyph(mood int) string {
	switch mood {
	case 1:
		return "😢"
	case 2:
		return "😞"
	case 3:
		return "😐"
	case 4:
		return "😊"
	default:
		return "😄"
	}
}
