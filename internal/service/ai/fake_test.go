package ai

import (
	"context"
	"errors"
	"io"
	"sync"
)

type fakeProvider struct {
	mu      sync.Mutex
	chunks  []*ProviderChunk
	openErr error
	readErr error
	panicOn int

	calls      int
	transcript []Turn
	prompt     string
	stream     *fakeProviderStream
}

func (f *fakeProvider) StreamGenerate(_ context.Context, transcript []Turn, prompt string) (ProviderStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.transcript = transcript
	f.prompt = prompt
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.stream = &fakeProviderStream{chunks: f.chunks, readErr: f.readErr, panicOn: f.panicOn}
	return f.stream, nil
}

func (f *fakeProvider) Generate(context.Context, string, GenerateOptions) (*ProviderChunk, error) {
	return nil, errors.New("not implemented")
}

type fakeProviderStream struct {
	chunks  []*ProviderChunk
	readErr error
	panicOn int

	reads  int
	closed bool
}

func (s *fakeProviderStream) Recv() (*ProviderChunk, error) {
	s.reads++
	if s.panicOn > 0 && s.reads == s.panicOn {
		panic("provider exploded")
	}
	if len(s.chunks) == 0 {
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeProviderStream) Close() {
	s.closed = true
}
