package ai

import (
	"context"
	"testing"

	"medchat/internal/config"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestEinoChunkMapsFinishReasons(t *testing.T) {
	cases := []struct {
		reason      string
		finish      string
		blockReason string
	}{
		{reason: "", finish: ""},
		{reason: "stop", finish: FinishStop},
		{reason: "end_turn", finish: FinishStop},
		{reason: "length", finish: "length"},
		{reason: "content_filter", blockReason: "content_filter"},
	}
	for _, tc := range cases {
		msg := &schema.Message{Content: "", ResponseMeta: &schema.ResponseMeta{FinishReason: tc.reason}}
		chunk := einoChunk(msg)
		assert.Equal(t, tc.finish, chunk.FinishReason, tc.reason)
		assert.Equal(t, tc.blockReason, chunk.BlockReason, tc.reason)
	}
	assert.Equal(t, "text", einoChunk(&schema.Message{Content: "text"}).Text)
}

func TestConvertTurnsAppendsPrompt(t *testing.T) {
	msgs := convertTurns([]Turn{{Role: RoleUser, Text: "a"}, {Role: RoleModel, Text: "b"}}, "c")
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.User, msgs[0].Role)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
	assert.Equal(t, schema.User, msgs[2].Role)
	assert.Equal(t, "c", msgs[2].Content)
}

func TestGeminiChunkMapping(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []*genai.Part{{Text: "Hel"}, {Text: "lo"}}},
			FinishReason: genai.FinishReasonMaxTokens,
		}},
	}
	chunk := geminiChunk(resp)
	assert.Equal(t, "Hello", chunk.Text)
	assert.Equal(t, string(genai.FinishReasonMaxTokens), chunk.FinishReason)
	assert.Empty(t, chunk.BlockReason)

	blocked := geminiChunk(&genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	})
	assert.Equal(t, string(genai.BlockedReasonSafety), blocked.BlockReason)
	assert.Empty(t, blocked.Text)
}

func TestNewProviderWithoutKeyIsUnavailable(t *testing.T) {
	p := NewProvider(context.Background(), config.ProviderConfig{Name: "gemini", Model: "gemini-1.5-flash"}, nil)
	assert.False(t, Available(p))

	p = NewProvider(context.Background(), config.ProviderConfig{Name: "mystery", APIKey: "k"}, nil)
	assert.False(t, Available(p))
}
