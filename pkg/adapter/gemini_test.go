package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/model"
)

func setupGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1")
	gt.NoError(t, err)
	return client
}

func TestGeminiGenerate(t *testing.T) {
	client := setupGemini(t)
	ctx := context.Background()

	reply, err := client.Generate(ctx, &adapter.Prompt{
		System: "Answer in a single short sentence.",
		Messages: []adapter.Message{
			{Role: model.RoleUser, Text: "What is the capital of France?"},
		},
		MaxTokens: 128,
	})
	gt.NoError(t, err)
	gt.V(t, reply).NotNil()
	gt.S(t, reply.Text).Contains("Paris")
	gt.Number(t, reply.TokensIn).Greater(0)
	gt.Number(t, reply.TokensOut).Greater(0)
}

func TestGeminiEmbed(t *testing.T) {
	client := setupGemini(t)
	ctx := context.Background()

	vec, err := client.Embed(ctx, "hello world")
	gt.NoError(t, err)
	gt.A(t, vec).Length(client.Dimension())

	// Identical input must produce an identical vector
	again, err := client.Embed(ctx, "hello world")
	gt.NoError(t, err)
	gt.Equal(t, vec, again)
}
