package ai

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// ChunkEvent is one element of an adapted stream: either text or a system
// error, never both.
type ChunkEvent struct {
	Text string
	Err  *ProviderError
}

// IsSystemError reports whether the event carries a provider error.
func (e ChunkEvent) IsSystemError() bool {
	return e.Err != nil
}

// EventStream is a single-consumer, forward-only sequence of chunk events.
// Recv returns io.EOF once exhausted.
type EventStream interface {
	Recv() (ChunkEvent, error)
	Close()
}

// StreamAdapter turns a Provider into domain chunk events.
type StreamAdapter struct {
	provider Provider
	logger   *slog.Logger
}

func NewStreamAdapter(provider Provider, logger *slog.Logger) *StreamAdapter {
	if provider == nil {
		provider = Unavailable(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamAdapter{provider: provider, logger: logger}
}

// Stream returns a lazy stream; nothing is sent to the provider until the
// first Recv.
func (a *StreamAdapter) Stream(ctx context.Context, history []Turn, prompt string) EventStream {
	return &ChunkStream{
		ctx:      ctx,
		provider: a.provider,
		history:  history,
		prompt:   prompt,
		logger:   a.logger,
	}
}

// ChunkStream is the EventStream produced by StreamAdapter. A system error is
// always the final event.
type ChunkStream struct {
	ctx      context.Context
	provider Provider
	history  []Turn
	prompt   string
	logger   *slog.Logger

	opened bool
	done   bool
	src    ProviderStream
}

func (s *ChunkStream) Recv() (ev ChunkEvent, err error) {
	if s.done {
		return ChunkEvent{}, io.EOF
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("provider stream panicked", "panic", r)
			s.finish()
			ev, err = ChunkEvent{Err: failureError()}, nil
		}
	}()

	if !s.opened {
		s.opened = true
		if !Available(s.provider) {
			s.logger.Warn("ai model unavailable, skipping provider call")
			s.finish()
			return ChunkEvent{Err: unavailableError()}, nil
		}
		src, openErr := s.provider.StreamGenerate(s.ctx, s.history, s.prompt)
		if openErr != nil {
			s.logger.Error("open provider stream failed", "err", openErr)
			s.finish()
			return ChunkEvent{Err: failureError()}, nil
		}
		if src == nil {
			s.logger.Error("provider returned no stream")
			s.finish()
			return ChunkEvent{Err: failureError()}, nil
		}
		s.src = src
	}

	for {
		chunk, recvErr := s.src.Recv()
		if errors.Is(recvErr, io.EOF) {
			s.finish()
			return ChunkEvent{}, io.EOF
		}
		if recvErr != nil {
			s.logger.Error("read provider stream failed", "err", recvErr)
			s.finish()
			return ChunkEvent{Err: failureError()}, nil
		}
		if chunk == nil {
			continue
		}
		if chunk.Text != "" {
			return ChunkEvent{Text: chunk.Text}, nil
		}
		if chunk.BlockReason != "" {
			s.logger.Warn("provider blocked request", "reason", chunk.BlockReason)
			s.finish()
			return ChunkEvent{Err: blockedError(chunk.BlockReason)}, nil
		}
		if chunk.FinishReason != "" && chunk.FinishReason != FinishStop {
			s.logger.Warn("provider stream finished abnormally", "finish_reason", chunk.FinishReason)
		}
	}
}

// Close releases the provider stream. Safe to call more than once.
func (s *ChunkStream) Close() {
	s.finish()
}

func (s *ChunkStream) finish() {
	s.done = true
	if s.src != nil {
		src := s.src
		s.src = nil
		src.Close()
	}
}
