package mock

import (
	"context"

	"github.com/PsiTechC/Convis-1-sub000/pkg/llm"
)

// LLMConfig scripts the generator: a canned reply, optional streaming
// chunks, or a forced error for failure-path tests.
type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	Err          error
}

type LLMAdapter struct {
	cfg LLMConfig
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: a.cfg.ResponseText}, nil
}

// Stream plays the scripted chunks and closes; the channel is buffered
// for the whole script so the caller never blocks the mock.
func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := make(chan string, len(chunks))
	for _, chunk := range chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
