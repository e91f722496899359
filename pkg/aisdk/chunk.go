// Package aisdk implements the UI message stream protocol spoken between the
// in-sandbox agent, this control plane, and AI-SDK browser clients: typed
// SSE chunks, UI messages composed of parts, and the accumulation of a chunk
// stream into a persisted assistant message.
package aisdk

import (
	"encoding/json"
	"fmt"
)

// StreamProtocolHeader identifies the UI message stream protocol on HTTP
// responses. Clients switch parsers based on it.
const (
	StreamProtocolHeader  = "x-vercel-ai-ui-message-stream"
	StreamProtocolVersion = "v1"
)

// DoneSentinel terminates every SSE stream: `data: [DONE]`.
const DoneSentinel = "[DONE]"

// Chunk types emitted by the agent. Unknown types are mirrored to clients
// untouched but do not participate in message assembly.
const (
	ChunkStart              = "start"
	ChunkTextStart          = "text-start"
	ChunkTextDelta          = "text-delta"
	ChunkTextEnd            = "text-end"
	ChunkReasoningStart     = "reasoning-start"
	ChunkReasoningDelta     = "reasoning-delta"
	ChunkReasoningEnd       = "reasoning-end"
	ChunkToolInputStart     = "tool-input-start"
	ChunkToolInputDelta     = "tool-input-delta"
	ChunkToolInputAvailable = "tool-input-available"
	ChunkToolOutputAvail    = "tool-output-available"
	ChunkToolOutputError    = "tool-output-error"
	ChunkFinish             = "finish"
	ChunkError              = "error"
)

// Chunk is one SSE event in a completion stream. Raw preserves the exact
// bytes received so mirroring to clients never re-encodes agent output.
type Chunk struct {
	Type         string          `json:"type"`
	MessageID    string          `json:"messageId,omitempty"`
	ID           string          `json:"id,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	PartialInput string          `json:"partialInput,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorText    string          `json:"errorText,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseChunk decodes one SSE data payload into a Chunk, preserving the raw
// bytes for pass-through delivery.
func ParseChunk(data []byte) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, fmt.Errorf("parse chunk: %w", err)
	}
	if c.Type == "" {
		return Chunk{}, fmt.Errorf("parse chunk: missing type")
	}
	c.Raw = append(json.RawMessage(nil), data...)
	return c, nil
}

// Encode returns the JSON form of the chunk: the preserved raw bytes when
// present, otherwise a fresh encoding (used for synthetic chunks).
func (c Chunk) Encode() []byte {
	if len(c.Raw) > 0 {
		return c.Raw
	}
	b, err := json.Marshal(c)
	if err != nil {
		// Chunk fields are all marshalable types; this cannot fail.
		return []byte(`{"type":"error","errorText":"encode failure"}`)
	}
	return b
}

// Terminal reports whether the chunk ends a completion.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkFinish || c.Type == ChunkError
}

// FinishChunk returns a synthetic finish chunk, used when a completion is
// cancelled so tailing clients terminate cleanly.
func FinishChunk(reason string) Chunk {
	return Chunk{Type: ChunkFinish, FinishReason: reason}
}

// ErrorChunk returns a synthetic error chunk carrying errText.
func ErrorChunk(errText string) Chunk {
	return Chunk{Type: ChunkError, ErrorText: errText}
}
