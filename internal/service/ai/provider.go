package ai

import (
	"context"
	"errors"
	"fmt"
)

// FinishStop is the normalized finish reason of a naturally completed reply.
const FinishStop = "STOP"

// ErrModelUnavailable is reported when no model could be initialized.
var ErrModelUnavailable = errors.New("ai model unavailable")

// Turn is one entry of the transcript sent to the provider.
type Turn struct {
	Role string
	Text string
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ProviderChunk is one provider-native increment. Text, BlockReason and
// FinishReason are each optional.
type ProviderChunk struct {
	Text         string
	BlockReason  string
	FinishReason string
}

// ProviderStream is a pull-based provider response. Recv returns io.EOF once
// the provider ends the stream.
type ProviderStream interface {
	Recv() (*ProviderChunk, error)
	Close()
}

type GenerateOptions struct {
	Temperature *float32
}

// Provider is the raw text-generation backend.
type Provider interface {
	StreamGenerate(ctx context.Context, transcript []Turn, prompt string) (ProviderStream, error)
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*ProviderChunk, error)
}

type unavailable struct {
	cause error
}

// Unavailable returns the provider variant used when model initialization
// failed. Callers check Available before use.
func Unavailable(cause error) Provider {
	return unavailable{cause: cause}
}

// Available reports whether p can be called.
func Available(p Provider) bool {
	if p == nil {
		return false
	}
	_, down := p.(unavailable)
	return !down
}

func (u unavailable) err() error {
	if u.cause == nil {
		return ErrModelUnavailable
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, u.cause)
}

func (u unavailable) StreamGenerate(context.Context, []Turn, string) (ProviderStream, error) {
	return nil, u.err()
}

func (u unavailable) Generate(context.Context, string, GenerateOptions) (*ProviderChunk, error) {
	return nil, u.err()
}
