package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/becomeliminal/halcyon/core"
	"github.com/becomeliminal/halcyon/memory"
)

// Digest limits for the RESPOND prompt.
const (
	digestEntries = 10
	digestChars   = 300
)

// DefaultSystemPrompt frames the agent for both chat calls.
const DefaultSystemPrompt = `You are Halcyon, a reflective conversational agent with a long-term memory.
Each turn you first take stock of how you feel, then you answer.
Keep emotional continuity across turns and stay grounded even when feelings are complex.
Always follow the section format you are asked for.`

const reflectInstructions = `You are not answering the user yet. Your state and keywords decide which memories are recalled next.

Reply with exactly these sections, in this order:

STATE:
One JSON object with flat keys emo_1_name, emo_1_intensity, emo_2_name, emo_2_intensity,
emo_3_name, emo_3_intensity and optionally cog_1_name ... cog_3_intensity.
Intensities are between 0.1 and 1.0.

REFLECTION:
Your inner monologue: why you feel this way and how it will shape your answer.

KEYWORDS:
Comma-separated words describing emotion, tone and intent.`

const respondInstructions = `Now answer the user, using the memories, the recent conversation and your reflection.

Reply with these sections, in this order:

STATE:
One JSON object in the same flat format as before, updated if your state changed.

REFLECTION:
A short update of your inner monologue.

KEYWORDS:
Comma-separated words describing the answer.

RESPONSE:
Your reply to the user.

QUESTIONS:
Optionally {"question": "...", "reason": "..."} if there is something you want to ask, otherwise {}.`

func reflectPrompt(query, turnID string, ts time.Time) string {
	return fmt.Sprintf("%s\n\nTime: %s\nTurn: %s\nUser: %s",
		reflectInstructions, ts.Format(time.RFC3339), turnID, query)
}

func respondPrompt(query, frame string, recalled []memory.Entry, state core.State, reflection string) string {
	if frame == "" {
		frame = "(no recent turns)"
	}

	var sb strings.Builder
	sb.WriteString("[CONVERSATIONAL CONTINUITY]\n")
	sb.WriteString(frame)
	sb.WriteString("\n\n[MEMORY CONTEXT]\n")
	sb.WriteString(digest(recalled))
	sb.WriteString("\n\n[CURRENT STATE]\n")
	sb.WriteString(stateJSON(state))
	sb.WriteString("\n\n[REFLECTION]\n")
	sb.WriteString(reflection)
	sb.WriteString("\n\n")
	sb.WriteString(respondInstructions)
	sb.WriteString("\n\nUser query: ")
	sb.WriteString(query)
	return sb.String()
}

// digest lists the top recalled entries, one per line.
func digest(entries []memory.Entry) string {
	if len(entries) == 0 {
		return "(no relevant memories retrieved)"
	}
	if len(entries) > digestEntries {
		entries = entries[:digestEntries]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		text := []rune(e.Text)
		if len(text) > digestChars {
			text = text[:digestChars]
		}
		lines = append(lines, "- "+string(text))
	}
	return strings.Join(lines, "\n")
}

func stateJSON(s core.State) string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return s.String()
	}
	return string(b)
}
