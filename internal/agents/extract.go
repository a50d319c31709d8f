package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ExtractJSON finds the structured payload in mixed CLI output. Agents
// wrap their JSON in markdown fences, prefix it with chatter, or emit it
// as the last stream-json "result" text; all three shapes are handled.
func ExtractJSON(output []byte) (json.RawMessage, error) {
	output = bytes.TrimSpace(output)
	if len(output) == 0 {
		return nil, fmt.Errorf("empty output")
	}

	// Whole output is already JSON
	if raw, ok := tryObject(output); ok {
		return raw, nil
	}

	// Fenced block: ```json ... ```
	if start := bytes.Index(output, []byte("```json")); start >= 0 {
		rest := output[start+len("```json"):]
		if end := bytes.Index(rest, []byte("```")); end >= 0 {
			if raw, ok := tryObject(bytes.TrimSpace(rest[:end])); ok {
				return raw, nil
			}
		}
	}

	// Last balanced object in the output
	if raw := lastObject(output); raw != nil {
		return raw, nil
	}

	return nil, fmt.Errorf("no JSON object found in %d bytes of output", len(output))
}

func tryObject(b []byte) (json.RawMessage, bool) {
	var v map[string]json.RawMessage
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	return json.RawMessage(append([]byte(nil), b...)), true
}

// lastObject scans for the last top-level {...} span that parses
func lastObject(b []byte) json.RawMessage {
	depth := 0
	start := -1
	var last json.RawMessage
	inString := false
	escaped := false
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					if raw, ok := tryObject(b[start : i+1]); ok {
						last = raw
					}
					start = -1
				}
			}
		}
	}
	return last
}
