package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/becomeliminal/halcyon/core"
)

// Reply section names.
const (
	SectionState      = "STATE"
	SectionReflection = "REFLECTION"
	SectionKeywords   = "KEYWORDS"
	SectionResponse   = "RESPONSE"
	SectionQuestions  = "QUESTIONS"
)

var knownSections = map[string]bool{
	SectionState:      true,
	SectionReflection: true,
	SectionKeywords:   true,
	SectionResponse:   true,
	SectionQuestions:  true,
}

var (
	headerRe        = regexp.MustCompile(`(?m)^[ \t]*[#*]*[ \t]*([A-Za-z][A-Za-z_ ]*?)[ \t]*\**:\**`)
	fenceRe         = regexp.MustCompile("```[A-Za-z]*")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// Question is the optional curiosity prompt a reply may carry.
type Question struct {
	Question string `json:"question"`
	Reason   string `json:"reason"`
}

// Reply is a parsed chat reply.
type Reply struct {
	Raw string

	// State is always non-empty: when no valid STATE object is found it is
	// core.DefaultState() and StateFallback is set.
	State         core.State
	StateFound    bool // a STATE header was present
	StateRepaired bool // the STATE JSON needed trailing-comma repair
	StateFallback bool // State is the default, not parsed

	Reflection string
	Keywords   []string
	Response   string
	Question   *Question
}

// ParseReply parses the sectioned reply grammar. It never fails; missing or
// malformed sections leave their fields empty (or the default state).
func ParseReply(raw string) Reply {
	reply := Reply{Raw: raw}
	text := strings.TrimSpace(fenceRe.ReplaceAllString(UnwrapReply(raw), ""))

	sections := splitSections(text)
	if len(sections) == 0 {
		reply.Response = text
		reply.State = core.DefaultState()
		reply.StateFallback = true
		return reply
	}

	if body, ok := sections[SectionState]; ok {
		reply.StateFound = true
		state, repaired, ok := parseState(body)
		reply.State = state
		reply.StateRepaired = repaired
		reply.StateFallback = !ok
	} else {
		reply.State = core.DefaultState()
		reply.StateFallback = true
	}

	reply.Reflection = sections[SectionReflection]
	reply.Response = sections[SectionResponse]
	reply.Keywords = parseKeywords(sections[SectionKeywords])
	if body, ok := sections[SectionQuestions]; ok {
		reply.Question = parseQuestion(body)
	}
	return reply
}

// splitSections maps each known section to its trimmed body. Unknown ALL-CAPS
// headers end the preceding section but are otherwise ignored. The first
// occurrence of a section wins.
func splitSections(text string) map[string]string {
	type header struct {
		name       string
		start, end int
	}

	var headers []header
	for _, m := range headerRe.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[m[2]:m[3]])
		upper := strings.ToUpper(name)
		if !knownSections[upper] && !(len(name) >= 3 && name == upper) {
			continue
		}
		headers = append(headers, header{name: upper, start: m[0], end: m[1]})
	}

	out := make(map[string]string)
	for i, h := range headers {
		if !knownSections[h.name] {
			continue
		}
		if _, seen := out[h.name]; seen {
			continue
		}
		stop := len(text)
		if i+1 < len(headers) {
			stop = headers[i+1].start
		}
		out[h.name] = strings.TrimSpace(text[h.end:stop])
	}
	return out
}

func parseState(body string) (core.State, bool, bool) {
	obj := extractObject(body)
	if obj == "" {
		return core.DefaultState(), false, false
	}

	repaired := false
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		repaired = true
		fixed := trailingCommaRe.ReplaceAllString(obj, "$1")
		if err := json.Unmarshal([]byte(fixed), &fields); err != nil {
			return core.DefaultState(), repaired, false
		}
	}

	entries := stateEntries(fields)
	if len(entries) == 0 {
		return core.DefaultState(), repaired, false
	}
	return core.State{Emotions: entries}, repaired, true
}

func stateEntries(fields map[string]interface{}) []core.StateEntry {
	var entries []core.StateEntry

	if list, ok := fields["emotions"].([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			intensity, ok := toFloat(m["intensity"])
			if strings.TrimSpace(name) == "" || !ok {
				continue
			}
			kind, _ := m["type"].(string)
			kind = strings.ToLower(strings.TrimSpace(kind))
			if kind != core.StateCognitive {
				kind = core.StateEmotive
			}
			entries = append(entries, core.StateEntry{
				Name:      strings.TrimSpace(name),
				Intensity: core.ClampIntensity(intensity),
				Type:      kind,
			})
		}
		return entries
	}

	for _, group := range []struct{ prefix, kind string }{
		{"emo", core.StateEmotive},
		{"cog", core.StateCognitive},
	} {
		for i := 1; i <= 3; i++ {
			name, _ := fields[fmt.Sprintf("%s_%d_name", group.prefix, i)].(string)
			intensity, ok := toFloat(fields[fmt.Sprintf("%s_%d_intensity", group.prefix, i)])
			if strings.TrimSpace(name) == "" || !ok {
				continue
			}
			entries = append(entries, core.StateEntry{
				Name:      strings.TrimSpace(name),
				Intensity: core.ClampIntensity(intensity),
				Type:      group.kind,
			})
		}
	}
	return entries
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseKeywords(body string) []string {
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(strings.TrimPrefix(body, "["), "]")
	if body == "" {
		return nil
	}

	parts := strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == '\n' })
	keywords := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"'`)
		if p != "" {
			keywords = append(keywords, p)
		}
	}
	return keywords
}

func parseQuestion(body string) *Question {
	obj := extractObject(body)
	if obj == "" {
		return nil
	}
	var q Question
	if err := json.Unmarshal([]byte(trailingCommaRe.ReplaceAllString(obj, "$1")), &q); err != nil {
		return nil
	}
	if strings.TrimSpace(q.Question) == "" {
		return nil
	}
	return &q
}

// extractObject returns the first brace-balanced JSON object in text, or the
// unterminated tail from the first '{' when the object never closes.
func extractObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escape = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}

// UnwrapReply returns the inner text of a JSON-wrapped reply such as
// {"content": "..."} or {"message": {"content": "..."}}; other input is
// returned unchanged.
func UnwrapReply(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return s
	}
	var wrapper map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return s
	}
	for _, key := range []string{"content", "response"} {
		if v, ok := wrapper[key].(string); ok {
			return v
		}
	}
	switch m := wrapper["message"].(type) {
	case string:
		return m
	case map[string]interface{}:
		if v, ok := m["content"].(string); ok {
			return v
		}
	}
	return s
}
