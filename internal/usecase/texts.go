package usecase

import "fmt"

// User-facing copy for the bot. Kept in one place so the tone stays
// consistent across command handlers and fallbacks.
const (
	welcomeText = "🌟 Welcome to Equilibrium!\n" +
		"Your AI-powered wellness companion.\n\n" +
		"Track your mood: /logmood [1-5]\n" +
		"Check in: /checkin\n" +
		"View history: /history\n" +
		"Reminders: /settings"

	askMoodText       = "How are you feeling today? Reply with a number from 1 to 5."
	moodRepromptText  = "Please reply with a number from 1 (low) to 5 (great)."
	logMoodUsageText  = "⚠️ Please use: /logmood [1-5] (e.g., /logmood 4 Great day!)"
	emptyInputText    = "I didn't catch that. Send me a message or try /checkin."
	unknownCmdText    = "I don't know that command. Try /checkin, /history or /settings."
	cancelText        = "Conversation canceled. What would you like to do next?"
	supportiveText    = "I'm here to support your wellbeing, but I can't help with that. " +
		"If you're struggling, please consider talking to someone you trust."
	fallbackReplyText = "💡 I couldn't think of anything helpful right now. Try again in a moment."

	historyNotFoundText = "📭 No mood history found. Start tracking with /logmood"
	historyHeaderText   = "📈 Your Mood History (Last 30 days)"

	settingsWindowPrompt = "⚙️ When should I remind you to check in?\n" +
		"Reply with 'morning', 'evening', 'both' or 'off'."
	settingsTZPrompt    = "Got it. What's your UTC offset in hours? (e.g. +2 or -5)"
	settingsOffText     = "Reminders are off. You can re-enable them any time with /settings."
	settingsRepromptTZ  = "Please reply with a UTC offset like +2, 0 or -5."
	settingsSavedText   = "✅ Settings saved."
)

func moodSavedText(mood int) string {
	return fmt.Sprintf("✅ Mood %d logged!", mood)
}

func askNotesText(mood int) string {
	return fmt.Sprintf("Selected mood: %d/5\nWant to add any notes? (e.g. 'Great workout today!') Reply 'skip' to skip.", mood)
}

func aiTipSuffix(tip string) string {
	return fmt.Sprintf("\n\n💡 AI Tip: %s", tip)
}

func moodTipPrompt(mood int) string {
	return fmt.Sprintf("User reported mood %d/5. Give one short, actionable tip.", mood)
}
