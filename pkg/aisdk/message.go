package aisdk

import "encoding/json"

// Part types this service understands. Anything else round-trips as opaque
// JSON so newer agents can emit part types this build predates.
const (
	PartText        = "text"
	PartReasoning   = "reasoning"
	PartDynamicTool = "dynamic-tool"
)

// Dynamic-tool part states, in lifecycle order.
const (
	ToolInputStreaming = "input-streaming"
	ToolInputAvailable = "input-available"
	ToolOutputAvail    = "output-available"
	ToolOutputError    = "output-error"
)

// UIMessage is an AI-SDK UI message: one chat turn composed of parts.
type UIMessage struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one segment of a UI message. The known cases are text, reasoning
// and dynamic-tool; unknown types keep their original JSON.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	State      string          `json:"state,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	raw json.RawMessage
}

type partAlias Part

// UnmarshalJSON decodes the known fields and keeps the original bytes so
// unknown part types survive a round trip.
func (p *Part) UnmarshalJSON(b []byte) error {
	var a partAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = Part(a)
	p.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON re-emits the original bytes for unknown part types and a
// normalized encoding for known ones.
func (p Part) MarshalJSON() ([]byte, error) {
	if p.raw != nil && !knownPartType(p.Type) {
		return p.raw, nil
	}
	return json.Marshal(partAlias(p))
}

func knownPartType(t string) bool {
	switch t {
	case PartText, PartReasoning, PartDynamicTool:
		return true
	}
	return false
}

// LastUserMessage returns the trailing message with role "user", or false
// when the slice holds none.
func LastUserMessage(messages []UIMessage) (UIMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i], true
		}
	}
	return UIMessage{}, false
}
