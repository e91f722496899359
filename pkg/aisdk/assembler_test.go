package aisdk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(t *testing.T, jsonStr string) Chunk {
	t.Helper()
	c, err := ParseChunk([]byte(jsonStr))
	require.NoError(t, err)
	return c
}

func TestParseChunk(t *testing.T) {
	c := chunk(t, `{"type":"text-delta","id":"t1","delta":"hello"}`)
	assert.Equal(t, ChunkTextDelta, c.Type)
	assert.Equal(t, "t1", c.ID)
	assert.Equal(t, "hello", c.Delta)
	assert.JSONEq(t, `{"type":"text-delta","id":"t1","delta":"hello"}`, string(c.Encode()))

	_, err := ParseChunk([]byte(`{"delta":"no type"}`))
	assert.Error(t, err)

	_, err = ParseChunk([]byte(`not json`))
	assert.Error(t, err)
}

func TestAssembler_TextAccumulation(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"start","messageId":"m1"}`))
	a.Add(chunk(t, `{"type":"text-start","id":"t1"}`))
	a.Add(chunk(t, `{"type":"text-delta","id":"t1","delta":"Hello"}`))
	a.Add(chunk(t, `{"type":"text-delta","id":"t1","delta":", world"}`))
	a.Add(chunk(t, `{"type":"text-end","id":"t1"}`))
	a.Add(chunk(t, `{"type":"finish","finishReason":"stop"}`))

	require.True(t, a.Terminal())
	assert.Equal(t, "stop", a.FinishReason())

	msg := a.Message("fallback")
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "assistant", msg.Role)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, PartText, msg.Parts[0].Type)
	assert.Equal(t, "Hello, world", msg.Parts[0].Text)
}

func TestAssembler_ReasoningPart(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"reasoning-start","id":"r1"}`))
	a.Add(chunk(t, `{"type":"reasoning-delta","id":"r1","delta":"thinking "}`))
	a.Add(chunk(t, `{"type":"reasoning-delta","id":"r1","delta":"hard"}`))
	a.Add(chunk(t, `{"type":"reasoning-end","id":"r1"}`))
	a.Add(chunk(t, `{"type":"finish","finishReason":"stop"}`))

	msg := a.Message("m")
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, PartReasoning, msg.Parts[0].Type)
	assert.Equal(t, "thinking hard", msg.Parts[0].Text)
}

func TestAssembler_ToolLifecycle(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"tool-input-start","toolCallId":"call_1","toolName":"bash"}`))
	a.Add(chunk(t, `{"type":"tool-input-delta","toolCallId":"call_1","partialInput":"{\"cmd\":"}`))
	a.Add(chunk(t, `{"type":"tool-input-delta","toolCallId":"call_1","partialInput":"\"ls\"}"}`))
	a.Add(chunk(t, `{"type":"tool-input-available","toolCallId":"call_1","toolName":"bash","input":{"cmd":"ls"}}`))
	a.Add(chunk(t, `{"type":"tool-output-available","toolCallId":"call_1","output":{"stdout":"file.txt"}}`))
	a.Add(chunk(t, `{"type":"finish","finishReason":"stop"}`))

	msg := a.Message("m")
	require.Len(t, msg.Parts, 1)
	p := msg.Parts[0]
	assert.Equal(t, PartDynamicTool, p.Type)
	assert.Equal(t, "call_1", p.ToolCallID)
	assert.Equal(t, "bash", p.ToolName)
	assert.Equal(t, ToolOutputAvail, p.State)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(p.Input))
	assert.JSONEq(t, `{"stdout":"file.txt"}`, string(p.Output))
}

func TestAssembler_ToolOutputError(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"tool-input-available","toolCallId":"c1","toolName":"web","input":{}}`))
	a.Add(chunk(t, `{"type":"tool-output-error","toolCallId":"c1","errorText":"connection refused"}`))

	msg := a.Message("m")
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, ToolOutputError, msg.Parts[0].State)
	assert.Equal(t, "connection refused", msg.Parts[0].ErrorText)
}

func TestAssembler_ToolCallInterruptsText(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"text-start","id":"t1"}`))
	a.Add(chunk(t, `{"type":"text-delta","id":"t1","delta":"Let me check."}`))
	a.Add(chunk(t, `{"type":"tool-input-start","toolCallId":"c1","toolName":"bash"}`))
	a.Add(chunk(t, `{"type":"tool-output-available","toolCallId":"c1","output":"done"}`))
	// The agent keeps streaming under the same text id; the interruption
	// rule means this opens a second text part.
	a.Add(chunk(t, `{"type":"text-delta","id":"t1","delta":"All good."}`))
	a.Add(chunk(t, `{"type":"text-end","id":"t1"}`))
	a.Add(chunk(t, `{"type":"finish","finishReason":"stop"}`))

	msg := a.Message("m")
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, PartText, msg.Parts[0].Type)
	assert.Equal(t, "Let me check.", msg.Parts[0].Text)
	assert.Equal(t, PartDynamicTool, msg.Parts[1].Type)
	assert.Equal(t, PartText, msg.Parts[2].Type)
	assert.Equal(t, "All good.", msg.Parts[2].Text)
}

func TestAssembler_OnePartPerRange(t *testing.T) {
	// One part per text range, per reasoning range, per unique toolCallId,
	// regardless of how many deltas each produced.
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"reasoning-start","id":"r1"}`))
	a.Add(chunk(t, `{"type":"reasoning-delta","id":"r1","delta":"plan"}`))
	a.Add(chunk(t, `{"type":"reasoning-end","id":"r1"}`))
	a.Add(chunk(t, `{"type":"text-start","id":"t1"}`))
	for i := 0; i < 5; i++ {
		a.Add(chunk(t, `{"type":"text-delta","id":"t1","delta":"x"}`))
	}
	a.Add(chunk(t, `{"type":"text-end","id":"t1"}`))
	a.Add(chunk(t, `{"type":"tool-input-start","toolCallId":"c1","toolName":"a"}`))
	a.Add(chunk(t, `{"type":"tool-input-delta","toolCallId":"c1","partialInput":"1"}`))
	a.Add(chunk(t, `{"type":"tool-input-start","toolCallId":"c2","toolName":"b"}`))
	a.Add(chunk(t, `{"type":"text-start","id":"t2"}`))
	a.Add(chunk(t, `{"type":"text-delta","id":"t2","delta":"y"}`))
	a.Add(chunk(t, `{"type":"text-end","id":"t2"}`))
	a.Add(chunk(t, `{"type":"finish","finishReason":"stop"}`))

	msg := a.Message("m")
	var texts, reasonings, tools int
	seen := map[string]bool{}
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			texts++
		case PartReasoning:
			reasonings++
		case PartDynamicTool:
			tools++
			assert.False(t, seen[p.ToolCallID], "duplicate tool part for %s", p.ToolCallID)
			seen[p.ToolCallID] = true
		}
	}
	assert.Equal(t, 2, texts)
	assert.Equal(t, 1, reasonings)
	assert.Equal(t, 2, tools)
}

func TestAssembler_StreamedInputWithoutAvailable(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"tool-input-start","toolCallId":"c1","toolName":"bash"}`))
	a.Add(chunk(t, `{"type":"tool-input-delta","toolCallId":"c1","partialInput":"{\"cmd\":\"ls\"}"}`))
	a.Add(chunk(t, `{"type":"finish","finishReason":"stop"}`))

	msg := a.Message("m")
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, ToolInputStreaming, msg.Parts[0].State)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(msg.Parts[0].Input))
}

func TestAssembler_ErrorChunkIsTerminal(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"text-start","id":"t1"}`))
	a.Add(chunk(t, `{"type":"text-delta","id":"t1","delta":"partial"}`))
	a.Add(chunk(t, `{"type":"error","errorText":"model overloaded"}`))

	require.True(t, a.Terminal())
	assert.Equal(t, "model overloaded", a.ErrorText())
	msg := a.Message("m")
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "partial", msg.Parts[0].Text)
}

func TestAssembler_UnknownChunkIgnored(t *testing.T) {
	a := NewAssembler()
	a.Add(chunk(t, `{"type":"data-custom","id":"d1"}`))
	a.Add(chunk(t, `{"type":"finish","finishReason":"stop"}`))
	assert.Empty(t, a.Message("m").Parts)
}

func TestPart_UnknownTypeRoundTrip(t *testing.T) {
	in := `{"type":"source-url","sourceId":"s1","url":"https://example.dev","title":"Example"}`
	var p Part
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestLastUserMessage(t *testing.T) {
	msgs := []UIMessage{
		{ID: "1", Role: "user"},
		{ID: "2", Role: "assistant"},
		{ID: "3", Role: "user"},
	}
	m, ok := LastUserMessage(msgs)
	require.True(t, ok)
	assert.Equal(t, "3", m.ID)

	_, ok = LastUserMessage([]UIMessage{{ID: "2", Role: "assistant"}})
	assert.False(t, ok)
}

func TestFinishAndErrorChunks(t *testing.T) {
	f := FinishChunk("stop")
	assert.True(t, f.Terminal())
	assert.JSONEq(t, `{"type":"finish","finishReason":"stop"}`, string(f.Encode()))

	e := ErrorChunk("boom")
	assert.True(t, e.Terminal())
	assert.JSONEq(t, `{"type":"error","errorText":"boom"}`, string(e.Encode()))
}
