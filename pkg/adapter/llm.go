package adapter

import (
	"context"

	"github.com/m-mizutani/plume/pkg/model"
)

// Message is one conversational turn passed to a generation provider.
type Message struct {
	Role model.Role
	Text string
}

// Prompt is a provider-neutral generation request. System carries the
// instruction block, including any retrieved memory context.
type Prompt struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Reply is a provider response with its token accounting.
type Reply struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Generator produces a completion for a composed prompt. Implementations
// must honor ctx cancellation and deadlines.
type Generator interface {
	Generate(ctx context.Context, prompt *Prompt) (*Reply, error)
}

// Embedder converts text into a fixed-dimension vector. The vector must
// be deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// LLM is the full provider capability: generation plus embeddings.
type LLM interface {
	Generator
	Embedder
}
