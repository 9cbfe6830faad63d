package cot

import (
	"encoding/json"
	"sort"
	"strings"
)

// Call is one tool invocation extracted from model text.
type Call struct {
	Name string
	Args map[string]any
}

// Detect scans free-form model text for embedded tool invocations of the
// shape {"name": "...", "arguments": {...}}, optionally wrapped in
// backticks or a code fence. Nested braces inside argument values are
// handled by balancing rather than pattern matching. A fragment whose
// JSON does not parse, or whose arguments are not an object, is skipped.
// Returns an empty slice when nothing matches.
func Detect(text string) []Call {
	var calls []Call
	for i := 0; i < len(text); {
		start := callStart(text, i)
		if start < 0 {
			break
		}
		end := balanceBraces(text, start)
		if end < 0 {
			i = start + 1
			continue
		}
		var raw struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil || raw.Name == "" || raw.Arguments == nil {
			i = start + 1
			continue
		}
		calls = append(calls, Call{Name: raw.Name, Args: raw.Arguments})
		i = end + 1
	}
	return calls
}

// CanonicalID builds the deduplication key for a tool call: the tool name
// joined with the arguments serialized under sorted keys and no incidental
// whitespace. Stable across re-orderings of the same argument mapping.
func CanonicalID(name string, args map[string]any) string {
	return name + ":" + canonicalJSON(args)
}

func canonicalJSON(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(args[k])
		if err != nil {
			vb = []byte(`null`)
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// callStart returns the index of the next '{' at or after from that opens
// an object whose first key is "name", or -1.
func callStart(text string, from int) int {
	for i := from; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		j := skipSpace(text, i+1)
		if !strings.HasPrefix(text[j:], `"name"`) {
			continue
		}
		k := skipSpace(text, j+len(`"name"`))
		if k < len(text) && text[k] == ':' {
			return i
		}
	}
	return -1
}

// balanceBraces returns the index of the brace closing the object opened
// at start, tracking string literals and escapes, or -1 if unbalanced.
func balanceBraces(text string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func skipSpace(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r') {
		i++
	}
	return i
}

// looksLikeToolJSON reports whether text contains anything call-shaped,
// parseable or not. Used in finalize mode where any attempt at a tool
// call earns a nudge.
func looksLikeToolJSON(text string) bool {
	return callStart(text, 0) >= 0
}

// callSpan locates the first tool-call fragment, widened to include the
// backticks or code fence wrapping it, so the surrounding explanation can
// be split off cleanly. ok is false when no balanced fragment exists.
func callSpan(text string) (start, end int, ok bool) {
	idx := callStart(text, 0)
	if idx < 0 {
		return 0, 0, false
	}
	closing := balanceBraces(text, idx)
	if closing < 0 {
		return 0, 0, false
	}

	start = idx
	for start > 0 && text[start-1] == '`' {
		start--
	}
	if start == idx {
		// a fenced block puts a language tag and newline between the
		// backticks and the brace
		head := strings.TrimRight(text[:idx], " \t\r\n")
		low := strings.ToLower(head)
		if strings.HasSuffix(low, "```json") {
			start = len(head) - len("```json")
		} else if strings.HasSuffix(low, "```") {
			start = len(head) - len("```")
		}
	}

	end = closing + 1
	for end < len(text) && text[end] == '`' {
		end++
	}
	if end == closing+1 {
		tail := text[end:]
		trimmed := strings.TrimLeft(tail, " \t\r\n")
		if strings.HasPrefix(trimmed, "```") {
			end += len(tail) - len(trimmed) + len("```")
		}
	}
	return start, end, true
}
