package llmswitch

import "encoding/json"

// parseToolArguments decodes a tool call's arguments field, which is
// normally a JSON string containing JSON (OpenAI, Moonshot, Qwen, MiniMax)
// but may arrive as a direct JSON object (Zhipu/GLM) or, rarely, as a
// Python-dict-style string with single quotes and True/False/None instead
// of valid JSON literals (also a Zhipu/GLM quirk). Returns the arguments as
// canonical JSON bytes.
func parseToolArguments(raw json.RawMessage) json.RawMessage {
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 {
		return json.RawMessage("{}")
	}

	switch trimmed[0] {
	case '"':
		var argsStr string
		if err := json.Unmarshal(raw, &argsStr); err != nil {
			return raw
		}
		if argsStr == "" {
			return json.RawMessage("{}")
		}
		if json.Valid([]byte(argsStr)) {
			return json.RawMessage(argsStr)
		}
		if fixed, ok := tryFixPythonDict(argsStr); ok {
			return json.RawMessage(fixed)
		}
		return json.RawMessage(argsStr)
	case '{', '[':
		return trimmed
	default:
		return raw
	}
}

// tryFixPythonDict converts a Python-style dict string to valid JSON by
// swapping single-quoted strings for double-quoted ones and rewriting
// True/False/None to their JSON equivalents. Not a full Python parser —
// handles only the shapes Zhipu/GLM has actually been observed to emit.
func tryFixPythonDict(s string) (string, bool) {
	if len(s) == 0 || s[0] != '{' {
		return "", false
	}

	fixed := make([]byte, 0, len(s))
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == stringChar && (i == 0 || s[i-1] != '\\') {
				inString = false
				fixed = append(fixed, '"')
			} else if c == '"' && stringChar == '\'' {
				fixed = append(fixed, '\\', '"')
			} else {
				fixed = append(fixed, c)
			}
		} else {
			switch c {
			case '\'':
				inString = true
				stringChar = '\''
				fixed = append(fixed, '"')
			case '"':
				inString = true
				stringChar = '"'
				fixed = append(fixed, '"')
			default:
				fixed = append(fixed, c)
			}
		}
	}

	result := replacePythonKeywords(string(fixed))
	if json.Valid([]byte(result)) {
		return result, true
	}
	return "", false
}

func replacePythonKeywords(s string) string {
	replacements := []struct{ old, new string }{
		{": True", ": true"}, {": False", ": false"}, {": None", ": null"},
		{",True", ",true"}, {",False", ",false"}, {",None", ",null"},
		{"[True", "[true"}, {"[False", "[false"}, {"[None", "[null"},
	}
	for _, r := range replacements {
		for {
			idx := indexOf(s, r.old)
			if idx == -1 {
				break
			}
			s = s[:idx] + r.new + s[idx+len(r.old):]
		}
	}
	return s
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
