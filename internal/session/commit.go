package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/discobot/discobot/internal/agentapi"
	"github.com/discobot/discobot/pkg/aisdk"
)

// runChatToCompletion sends one user message into the agent and drains its
// SSE response until a terminal chunk, the done sentinel, or ctx expiry.
func runChatToCompletion(ctx context.Context, client *agentapi.Client, text string) error {
	msg := aisdk.UIMessage{
		ID:   "commit",
		Role: "user",
		Parts: []aisdk.Part{
			{Type: aisdk.PartText, Text: text},
		},
	}
	payload, err := json.Marshal(map[string]any{
		"messages": []aisdk.UIMessage{msg},
	})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}

	resp, err := client.Chat(ctx, payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := bytes.TrimSpace([]byte(strings.TrimPrefix(line, "data:")))
		if len(data) == 0 {
			continue
		}
		if string(data) == aisdk.DoneSentinel {
			return nil
		}
		chunk, err := aisdk.ParseChunk(data)
		if err != nil {
			continue
		}
		if chunk.Type == aisdk.ChunkError {
			return fmt.Errorf("agent error: %s", chunk.ErrorText)
		}
		if chunk.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return fmt.Errorf("commit stream: %w", ctx.Err())
		}
		return fmt.Errorf("commit stream: %w", err)
	}
	return nil
}
