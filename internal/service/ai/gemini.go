package ai

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider talks to Gemini through the genai SDK directly so that
// prompt feedback (block reasons) stays visible.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, modelName string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiProvider{client: client, model: modelName}, nil
}

func (p *GeminiProvider) StreamGenerate(ctx context.Context, transcript []Turn, prompt string) (ProviderStream, error) {
	contents := make([]*genai.Content, 0, len(transcript)+1)
	for _, turn := range transcript {
		var role genai.Role = genai.RoleUser
		if turn.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, p.model, contents, nil))
	return &geminiStream{next: next, stop: stop}, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*ProviderChunk, error) {
	cfg := &genai.GenerateContentConfig{Temperature: opts.Temperature}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), cfg)
	if err != nil {
		return nil, err
	}
	return geminiChunk(resp), nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Recv() (*ProviderChunk, error) {
	resp, err, ok := s.next()
	if !ok {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return geminiChunk(resp), nil
}

func (s *geminiStream) Close() {
	s.stop()
}

func geminiChunk(resp *genai.GenerateContentResponse) *ProviderChunk {
	if resp == nil {
		return nil
	}
	chunk := &ProviderChunk{}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" &&
		resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		chunk.BlockReason = string(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			var sb strings.Builder
			for _, part := range cand.Content.Parts {
				if part != nil && !part.Thought {
					sb.WriteString(part.Text)
				}
			}
			chunk.Text = sb.String()
		}
		switch cand.FinishReason {
		case "", genai.FinishReasonUnspecified:
		default:
			chunk.FinishReason = string(cand.FinishReason)
		}
	}
	return chunk
}
