// Package toolschema implements the Tool-Schema Normalizer (spec 4.E): it
// sanitizes and deduplicates a client's declared tool list before it is
// handed to the protocol switch, and resolves a provider's returned
// tool-call name back against what the client actually declared. Grounded
// on the teacher's internal/engine rule-table pattern (a declarative slice
// of named rules evaluated in order) generalized from "match and block a
// tool call" to "match and repair a tool name," and on extractor/openai.go's
// argument-parsing quirk handling, reused here for the normalizer's
// argument-presence validation.
package toolschema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// casingRule is one provider casing quirk the normalizer corrects for,
// mirroring the teacher's builtinRules() table-of-structs shape.
type casingRule struct {
	name        string
	description string
}

var casingRules = []casingRule{
	{name: "oauth-proxy-pascalcase", description: "OAuth-token-authenticated providers return PascalCase tool names (Bash, Read, Write) instead of the client's declared case"},
}

// Normalize sanitizes a client's declared tool list: empty/invalid names
// are rejected, names colliding after sanitization are suffixed to stay
// unique, and the resulting alias map lets outbound codecs reverse the
// rename before dispatch. Returns the normalized tools and the alias map
// (normalized name -> original declared name).
func Normalize(tools []canon.Tool) ([]canon.Tool, map[string]string, error) {
	aliases := make(map[string]string)
	seen := make(map[string]int)
	out := make([]canon.Tool, 0, len(tools))

	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, nil, fmt.Errorf("toolschema: tool declared with empty name")
		}
		sanitized := sanitizeName(t.Name)

		seen[sanitized]++
		final := sanitized
		if n := seen[sanitized]; n > 1 {
			final = fmt.Sprintf("%s_%d", sanitized, n)
		}
		if final != t.Name {
			aliases[final] = t.Name
		}

		nt := t
		nt.Name = final
		out = append(out, nt)
	}

	return out, aliases, nil
}

// sanitizeName restricts a tool name to the character set every supported
// provider accepts ([A-Za-z0-9_-]), truncated to 64 characters.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// ResolveCallName matches a provider-returned tool-call name against the
// client's declared tools, case-insensitively (spec 4.E; grounded on the
// teacher's case-insensitive tool matching note in anthropic.go — OAuth
// tokens return PascalCase names like "Bash" where the declared tool is
// "bash"). Returns the declared name and true on a match.
func ResolveCallName(declared []canon.Tool, called string) (string, bool) {
	for _, t := range declared {
		if t.Name == called {
			return t.Name, true
		}
	}
	for _, t := range declared {
		if strings.EqualFold(t.Name, called) {
			return t.Name, true
		}
	}
	return called, false
}

// ValidateArguments checks a tool call's arguments against the tool's
// declared JSON Schema. Per the decision recorded for this normalizer's
// handling of empty-input tool calls: a tool call supplying no arguments
// is rejected with ErrProtocolViolation only when the schema names at
// least one required property; tools with no required properties (or no
// schema at all) accept an empty object.
func ValidateArguments(tool canon.Tool, argsJSON json.RawMessage) error {
	if len(argsJSON) == 0 || string(argsJSON) == "null" {
		argsJSON = json.RawMessage("{}")
	}
	if !json.Valid(argsJSON) {
		return canon.NewError(canon.ErrProtocolViolation, fmt.Sprintf("tool %q: arguments are not valid JSON", tool.Name), nil)
	}

	required := requiredProperties(tool.Parameters)
	if len(required) == 0 {
		return nil
	}

	var args map[string]any
	if err := json.Unmarshal(argsJSON, &args); err != nil || len(args) == 0 {
		return canon.NewError(canon.ErrProtocolViolation, fmt.Sprintf("tool %q: called with no arguments but schema requires %v", tool.Name, required), nil)
	}
	for _, r := range required {
		if _, ok := args[r]; !ok {
			return canon.NewError(canon.ErrProtocolViolation, fmt.Sprintf("tool %q: missing required argument %q", tool.Name, r), nil)
		}
	}
	return nil
}

func requiredProperties(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var s struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	return s.Required
}
