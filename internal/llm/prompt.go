package llm

import (
	"fmt"
	"strings"
)

// DefaultPersona is used when llm.persona is empty.
const DefaultPersona = "You are %s, a friendly, crypto-savvy AI companion for the WENBNB community. " +
	"Keep answers short and warm, use emojis naturally, and never present price talk as financial advice."

// Turn is one remembered exchange fed back into the prompt.
type Turn struct {
	User string
	Bot  string
}

// Prompt collects everything that goes into the system prompt.
type Prompt struct {
	BotName    string
	Persona    string
	MoodPrefix string
	Recalled   []string // older exchanges surfaced by recall, most similar first
}

// System renders the system prompt: mood prefix first, then persona, then
// recalled context.
func (p Prompt) System() string {
	var b strings.Builder
	if p.MoodPrefix != "" {
		b.WriteString(p.MoodPrefix)
		b.WriteString("\n\n")
	}
	persona := p.Persona
	if persona == "" {
		persona = fmt.Sprintf(DefaultPersona, p.BotName)
	}
	b.WriteString(persona)
	if len(p.Recalled) > 0 {
		b.WriteString("\n\nThings this user said in earlier conversations:\n")
		for _, r := range p.Recalled {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// HistoryMessages turns remembered exchanges into alternating chat turns.
func HistoryMessages(turns []Turn) []Message {
	out := make([]Message, 0, len(turns)*2)
	for _, t := range turns {
		out = append(out, Message{Role: "user", Content: t.User})
		if t.Bot != "" {
			out = append(out, Message{Role: "assistant", Content: t.Bot})
		}
	}
	return out
}
