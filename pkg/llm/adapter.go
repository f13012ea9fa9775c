package llm

import "context"

// Context is the bounded conversation window sent with each request. The
// system turn is always Messages[0].
type Context struct {
	Messages []map[string]any
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Tokens       int
	Usage        Usage
	FinishReason string
}

// LLMAdapter is the turn generator contract. Stream returns tokens as they
// arrive; Generate waits for the full reply.
type LLMAdapter interface {
	Name() string
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan string, error)
}
