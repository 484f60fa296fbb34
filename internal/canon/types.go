// Package canon defines the protocol-agnostic request/response representation
// the LLM switch translates every wire protocol into and out of.
package canon

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireProtocol identifies one of the three supported wire protocols.
type WireProtocol int

const (
	ProtocolUnknown WireProtocol = iota
	ProtocolChat
	ProtocolResponses
	ProtocolAnthropic
)

func (p WireProtocol) String() string {
	switch p {
	case ProtocolChat:
		return "chat"
	case ProtocolResponses:
		return "responses"
	case ProtocolAnthropic:
		return "anthropic"
	default:
		return "unknown"
	}
}

// Role is the speaker of a canonical message.
type Role int

const (
	RoleSystem Role = iota
	RoleUser
	RoleAssistant
	RoleTool
)

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleTool:
		return "tool"
	default:
		return "unknown"
	}
}

// Part is a tagged union of the typed content a message can carry. Concrete
// types are TextPart, ImagePart, ToolCallPart, ToolResultPart. Consumers
// should exhaustively type-switch rather than reach into an untyped map.
type Part interface {
	isPart()
}

// TextPart is plain text content (system/user/assistant text, instructions).
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// ImagePart is an inline or referenced image part (vision input).
type ImagePart struct {
	URL       string // empty when inline data is used
	MediaType string
	DataB64   string // empty when a URL is used
}

func (ImagePart) isPart() {}

// ToolCallPart is an assistant-issued tool invocation.
type ToolCallPart struct {
	CallID        string
	Name          string
	ArgumentsJSON json.RawMessage
	Index         int
}

func (ToolCallPart) isPart() {}

// ToolResultPart is a tool-role response to a prior ToolCallPart.
type ToolResultPart struct {
	CallID     string
	OutputJSON json.RawMessage
	Metadata   map[string]any
}

func (ToolResultPart) isPart() {}

// Message is one turn in a conversation, carrying zero or more typed Parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Text concatenates every TextPart's text in the message, in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns every ToolCallPart carried by the message, in order.
func (m Message) ToolCalls() []ToolCallPart {
	var out []ToolCallPart
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			out = append(out, tc)
		}
	}
	return out
}

// ToolChoiceMode selects how the model is steered toward tool use.
type ToolChoiceMode int

const (
	ToolChoiceAuto ToolChoiceMode = iota
	ToolChoiceNone
	ToolChoiceRequired
	ToolChoiceNamed
)

// ToolChoice carries the canonical tool_choice directive.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // only meaningful when Mode == ToolChoiceNamed
}

// Tool is the canonical tool definition (post tool-schema normalization).
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object, or nil
}

// FinishReason is the canonical terminal reason a turn ended.
type FinishReason int

const (
	FinishUnspecified FinishReason = iota
	FinishStop
	FinishToolCalls
	FinishLength
	FinishContentFilter
)

// CanonicalRequest is the switch's internal form (spec §3).
type CanonicalRequest struct {
	Model            string
	InstructionsText string
	UserInputs       []Part
	PriorMessages    []Message
	Tools            []Tool
	ToolChoice       ToolChoice
	Stream           bool
	MaxTokens        int
	Temperature      float64
	ExtendedThinking json.RawMessage

	// ToolAliases maps a normalized tool name back to the name the client
	// originally sent, populated by the tool-schema normalizer (4.E) and
	// consulted by outbound codecs to reverse the rename on the way out.
	ToolAliases map[string]string
}

// Validate checks the two structural invariants spec §8 enumerates for a
// CanonicalRequest: pairing (every ToolResultPart matches a prior
// ToolCallPart in the same request) and assistant-content (assistant
// messages carrying tool calls have no textual content).
func (r *CanonicalRequest) Validate() error {
	seen := make(map[string]bool)
	for _, m := range r.PriorMessages {
		if m.Role == RoleAssistant {
			hasToolCall := false
			hasText := false
			for _, p := range m.Parts {
				switch v := p.(type) {
				case ToolCallPart:
					hasToolCall = true
					seen[v.CallID] = true
				case TextPart:
					if v.Text != "" {
						hasText = true
					}
				}
			}
			if hasToolCall && hasText {
				return fmt.Errorf("canon: assistant message mixes tool calls with text content")
			}
		}
		if m.Role == RoleTool {
			for _, p := range m.Parts {
				if tr, ok := p.(ToolResultPart); ok {
					if tr.CallID == "" {
						return fmt.Errorf("canon: tool result missing callId")
					}
					if !seen[tr.CallID] {
						return fmt.Errorf("canon: tool result %q has no matching prior tool call", tr.CallID)
					}
				}
			}
		}
	}
	return nil
}

// CanonicalResponse is the switch's internal completion shape, produced by
// inbound response codecs and consumed by outbound response codecs (4.D).
type CanonicalResponse struct {
	Model            string
	ContentText      string
	ToolCalls        []ToolCallPart
	FinishReason     FinishReason
	ExtendedThinking json.RawMessage
}

// RequestEnvelope is created by the HTTP boundary on receipt and owned by it
// exclusively for the request's lifetime (spec §3 Ownership).
type RequestEnvelope struct {
	RequestID          string
	WireProtocol       WireProtocol
	Endpoint           string
	SessionID          string
	ConversationID     string
	ServerToolRequired bool
	BornAt             time.Time
}

// RoutingDecision is produced by the Virtual Router Engine (4.C) and logged;
// it is not persisted across requests.
type RoutingDecision struct {
	RouteName             string
	PoolID                string
	ProviderID            string
	KeyAlias              string
	Model                 string
	PoolSnapshot          []string
	Confidence            float64
	ClassificationReasons []string
}

// ProviderKeyRef renders the canonical "providerId.keyAlias" identifier.
func (d RoutingDecision) ProviderKeyRef() string {
	return d.ProviderID + "." + d.KeyAlias
}

// SSEFrame is one emitted server-sent-event frame.
type SSEFrame struct {
	EventName string // empty for chat/responses bare "data:" frames
	DataJSON  json.RawMessage
	Done      bool // true for the synthetic "[DONE]" sentinel frame
}
