package processors

import (
	"testing"

	mockllm "github.com/PsiTechC/Convis-1-sub000/pkg/providers/mock"
)

func TestLLMMemoryPruneByTurns(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{ResponseText: "ok"})
	proc := NewLLMProcessor(adapter, "system prompt")
	proc.SetMemoryLimits(2, 0)

	for i := 0; i < 5; i++ {
		if _, err := proc.Process(finalTranscript("message")); err != nil {
			t.Fatalf("process error: %v", err)
		}
	}
	snap := proc.contextSnapshot("stream:stream-1")
	nonSystem := 0
	for _, msg := range snap.Messages {
		if role, _ := msg["role"].(string); role != "system" {
			nonSystem++
		}
	}
	if nonSystem > 4 {
		t.Fatalf("expected at most 2 turns (4 messages), got %d", nonSystem)
	}
	if role, _ := snap.Messages[0]["role"].(string); role != "system" {
		t.Fatalf("system message must stay pinned first, got %q", role)
	}
}

func TestLLMMemoryPruneByTokens(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{ResponseText: "short reply"})
	proc := NewLLMProcessor(adapter, "")
	proc.SetMemoryLimits(0, 10)

	for i := 0; i < 4; i++ {
		if _, err := proc.Process(finalTranscript("one two three four five")); err != nil {
			t.Fatalf("process error: %v", err)
		}
	}
	snap := proc.contextSnapshot("stream:stream-1")
	if len(snap.Messages) == 0 {
		t.Fatalf("pruning must not empty the history")
	}
	if got := estimateMessagesTokens(snap.Messages); got > 10 {
		t.Fatalf("token estimate after pruning = %d, want <= 10", got)
	}
}
