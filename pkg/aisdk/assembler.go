package aisdk

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Assembler folds a completion's chunk stream into a single assistant
// UIMessage: one text part per text-start..text-end range, one reasoning
// part per reasoning range, one dynamic-tool part per unique toolCallId.
//
// A tool chunk arriving while a text part is open finalizes that part; the
// next text delta starts a fresh one.
type Assembler struct {
	messageID    string
	parts        []Part
	openText     map[string]int
	openReason   map[string]int
	tools        map[string]int
	toolInputs   map[string]*strings.Builder
	terminal     bool
	finishReason string
	errorText    string
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		openText:   make(map[string]int),
		openReason: make(map[string]int),
		tools:      make(map[string]int),
		toolInputs: make(map[string]*strings.Builder),
	}
}

// Add folds one chunk into the assembly. Unknown chunk types are ignored;
// malformed sequences (deltas without a start) open parts implicitly rather
// than failing, because the agent stream must never wedge a completion.
func (a *Assembler) Add(c Chunk) {
	switch c.Type {
	case ChunkStart:
		a.messageID = c.MessageID

	case ChunkTextStart:
		a.openText[c.ID] = a.appendPart(Part{Type: PartText})
	case ChunkTextDelta:
		idx, ok := a.openText[c.ID]
		if !ok {
			idx = a.appendPart(Part{Type: PartText})
			a.openText[c.ID] = idx
		}
		a.parts[idx].Text += c.Delta
	case ChunkTextEnd:
		delete(a.openText, c.ID)

	case ChunkReasoningStart:
		a.openReason[c.ID] = a.appendPart(Part{Type: PartReasoning})
	case ChunkReasoningDelta:
		idx, ok := a.openReason[c.ID]
		if !ok {
			idx = a.appendPart(Part{Type: PartReasoning})
			a.openReason[c.ID] = idx
		}
		a.parts[idx].Text += c.Delta
	case ChunkReasoningEnd:
		delete(a.openReason, c.ID)

	case ChunkToolInputStart:
		a.closeOpenText()
		idx := a.toolIndex(c.ToolCallID)
		if c.ToolName != "" {
			a.parts[idx].ToolName = c.ToolName
		}
	case ChunkToolInputDelta:
		a.closeOpenText()
		a.toolIndex(c.ToolCallID)
		buf, ok := a.toolInputs[c.ToolCallID]
		if !ok {
			buf = &strings.Builder{}
			a.toolInputs[c.ToolCallID] = buf
		}
		buf.WriteString(c.PartialInput)
	case ChunkToolInputAvailable:
		a.closeOpenText()
		idx := a.toolIndex(c.ToolCallID)
		if c.ToolName != "" {
			a.parts[idx].ToolName = c.ToolName
		}
		a.parts[idx].State = ToolInputAvailable
		a.parts[idx].Input = c.Input
	case ChunkToolOutputAvail:
		a.closeOpenText()
		idx := a.toolIndex(c.ToolCallID)
		a.parts[idx].State = ToolOutputAvail
		a.parts[idx].Output = c.Output
	case ChunkToolOutputError:
		a.closeOpenText()
		idx := a.toolIndex(c.ToolCallID)
		a.parts[idx].State = ToolOutputError
		a.parts[idx].ErrorText = c.ErrorText

	case ChunkFinish:
		a.terminal = true
		a.finishReason = c.FinishReason
	case ChunkError:
		a.terminal = true
		a.errorText = c.ErrorText
	}
}

func (a *Assembler) appendPart(p Part) int {
	a.parts = append(a.parts, p)
	return len(a.parts) - 1
}

func (a *Assembler) closeOpenText() {
	for id := range a.openText {
		delete(a.openText, id)
	}
}

// toolIndex returns the part index for a toolCallId, creating the part in
// input-streaming state when it is first seen.
func (a *Assembler) toolIndex(toolCallID string) int {
	if idx, ok := a.tools[toolCallID]; ok {
		return idx
	}
	idx := a.appendPart(Part{
		Type:       PartDynamicTool,
		ToolCallID: toolCallID,
		State:      ToolInputStreaming,
	})
	a.tools[toolCallID] = idx
	return idx
}

// Terminal reports whether a finish or error chunk has been folded in.
func (a *Assembler) Terminal() bool { return a.terminal }

// FinishReason returns the reason carried by the finish chunk, if any.
func (a *Assembler) FinishReason() string { return a.finishReason }

// ErrorText returns the text of a terminal error chunk, if any.
func (a *Assembler) ErrorText() string { return a.errorText }

// Message materializes the assembled assistant message. Tool parts that
// never saw tool-input-available keep their streamed input: raw when it
// parses as JSON, JSON-quoted otherwise.
func (a *Assembler) Message(fallbackID string) UIMessage {
	id := a.messageID
	if id == "" {
		id = fallbackID
	}
	parts := make([]Part, len(a.parts))
	copy(parts, a.parts)
	for toolCallID, buf := range a.toolInputs {
		idx := a.tools[toolCallID]
		if parts[idx].Input != nil {
			continue
		}
		streamed := buf.String()
		if streamed == "" {
			continue
		}
		if json.Valid([]byte(streamed)) {
			parts[idx].Input = json.RawMessage(streamed)
		} else {
			parts[idx].Input = json.RawMessage(strconv.Quote(streamed))
		}
	}
	return UIMessage{ID: id, Role: "assistant", Parts: parts}
}
