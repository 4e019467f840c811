package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parseltonguedev/EquilibriumLife/internal/domain"
)

// assistantTurn is the JSON contract every completion must satisfy.
type assistantTurn struct {
	Reply     string `json:"reply"`
	StateHint string `json:"state_hint"`
}

// Closed set of state-transition hints the engine accepts from the model.
// Anything else means "no transition".
const (
	hintNone      = "none"
	hintAwaitMood = "await_mood"
	hintAwaitNote = "await_note"
	hintIdle      = "idle"
)

func buildConversationMessages(sess domain.Session, history []domain.Turn, userText string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt()},
		{Role: "system", Content: buildStatePrompt(sess)},
	}
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: t.Role, Content: text})
	}
	messages = append(messages, domain.ChatMessage{Role: "user", Content: userText})
	return messages
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are Equilibrium, a supportive wellness companion on a chat platform.",
		"",
		"Task:",
		"Respond to the user's message with one short, warm, practical reply.",
		"Encourage mood tracking and small actionable habits; never diagnose or prescribe.",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func buildStatePrompt(sess domain.Session) string {
	state := string(sess.State)
	if sess.State == domain.StateAwaitingInput && sess.Slot != "" {
		state = state + "#" + sess.Slot
	}
	return fmt.Sprintf("Conversation state: %s", state)
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current user message; use the prior turns as context.",
		"2) Keep replies under three sentences.",
		"3) If the user seems ready to log a mood, ask for a 1-5 score and hint await_mood.",
		"4) If a mood score was just given, you may ask for a short note and hint await_note.",
		"5) If nothing is pending, hint idle or none.",
		"6) Never invent commands; the known ones are /checkin, /logmood, /history, /settings.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys reply (string) and state_hint " +
		"(one of none, await_mood, await_note, idle)."
}

// parseAssistantTurn decodes a completion into the assistant-turn contract.
// Trailing data and unknown fields are rejected so a malformed completion
// degrades to the fallback reply instead of corrupting state.
func parseAssistantTurn(raw string) (domain.Completion, error) {
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	var out assistantTurn
	if err := dec.Decode(&out); err != nil {
		return domain.Completion{}, fmt.Errorf("usecase: decode assistant turn: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.Completion{}, errors.New("usecase: decode assistant turn: multiple JSON values")
		}
		return domain.Completion{}, fmt.Errorf("usecase: decode assistant turn trailing data: %w", err)
	}
	if strings.TrimSpace(out.Reply) == "" {
		return domain.Completion{}, errors.New("usecase: assistant turn has empty reply")
	}
	return domain.Completion{Reply: out.Reply, StateHint: out.StateHint}, nil
}
