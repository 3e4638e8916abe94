package ai

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoProvider adapts an eino chat model (openai or claude) to Provider.
type EinoProvider struct {
	chatModel model.BaseChatModel
}

func NewEinoProvider(chatModel model.BaseChatModel) *EinoProvider {
	return &EinoProvider{chatModel: chatModel}
}

func (p *EinoProvider) StreamGenerate(ctx context.Context, transcript []Turn, prompt string) (ProviderStream, error) {
	reader, err := p.chatModel.Stream(ctx, convertTurns(transcript, prompt))
	if err != nil {
		return nil, err
	}
	return &einoStream{reader: reader}, nil
}

func (p *EinoProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*ProviderChunk, error) {
	var options []model.Option
	if opts.Temperature != nil {
		options = append(options, model.WithTemperature(*opts.Temperature))
	}
	msg, err := p.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)}, options...)
	if err != nil {
		return nil, err
	}
	return einoChunk(msg), nil
}

func convertTurns(transcript []Turn, prompt string) []*schema.Message {
	messages := make([]*schema.Message, 0, len(transcript)+1)
	for _, turn := range transcript {
		role := schema.User
		if turn.Role == RoleModel {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{Role: role, Content: turn.Text})
	}
	return append(messages, schema.UserMessage(prompt))
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (*ProviderChunk, error) {
	msg, err := s.reader.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return einoChunk(msg), nil
}

func (s *einoStream) Close() {
	s.reader.Close()
}

func einoChunk(msg *schema.Message) *ProviderChunk {
	if msg == nil {
		return nil
	}
	chunk := &ProviderChunk{Text: msg.Content}
	if msg.ResponseMeta == nil {
		return chunk
	}
	switch reason := msg.ResponseMeta.FinishReason; reason {
	case "":
	case "stop", "end_turn", "stop_sequence":
		chunk.FinishReason = FinishStop
	case "content_filter", "refusal":
		chunk.BlockReason = reason
	default:
		chunk.FinishReason = reason
	}
	return chunk
}
