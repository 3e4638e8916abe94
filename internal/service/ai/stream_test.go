package ai

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s EventStream) []ChunkEvent {
	t.Helper()
	var events []ChunkEvent
	for i := 0; i < 100; i++ {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.FailNow(t, "stream did not terminate")
	return nil
}

func TestStreamForwardsTextChunksInOrder(t *testing.T) {
	p := &fakeProvider{chunks: []*ProviderChunk{
		{Text: "Hel"},
		{Text: "lo"},
		{FinishReason: FinishStop},
	}}
	history := []Turn{{Role: RoleUser, Text: "hi"}, {Role: RoleModel, Text: "hey"}}
	s := NewStreamAdapter(p, nil).Stream(context.Background(), history, "Hello?")

	events := drain(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.False(t, events[1].IsSystemError())
	assert.Equal(t, history, p.transcript)
	assert.Equal(t, "Hello?", p.prompt)
	assert.True(t, p.stream.closed)
}

func TestStreamIsLazy(t *testing.T) {
	p := &fakeProvider{chunks: []*ProviderChunk{{Text: "x"}}}
	s := NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q")
	assert.Equal(t, 0, p.calls)

	_, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestStreamUnavailableModel(t *testing.T) {
	s := NewStreamAdapter(Unavailable(errors.New("no key")), nil).Stream(context.Background(), nil, "q")

	events := drain(t, s)
	require.Len(t, events, 1)
	require.True(t, events[0].IsSystemError())
	assert.Equal(t, ProviderUnavailable, events[0].Err.Kind)
	assert.Equal(t, "[SYSTEM: AI model is currently unavailable.]", events[0].Err.Marker())
}

func TestStreamNilProviderIsUnavailable(t *testing.T) {
	s := NewStreamAdapter(nil, nil).Stream(context.Background(), nil, "q")
	events := drain(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, ProviderUnavailable, events[0].Err.Kind)
}

func TestStreamBlockTerminatesWithoutFurtherReads(t *testing.T) {
	p := &fakeProvider{chunks: []*ProviderChunk{
		{Text: "partial"},
		{BlockReason: "SAFETY"},
		{Text: "never read"},
	}}
	s := NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q")

	events := drain(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, "partial", events[0].Text)
	require.True(t, events[1].IsSystemError())
	assert.Equal(t, ProviderBlocked, events[1].Err.Kind)
	assert.Equal(t, "[SYSTEM: Request blocked (SAFETY). Rephrase query.]", events[1].Err.Marker())
	assert.Equal(t, 2, p.stream.reads)
	assert.True(t, p.stream.closed)
}

func TestStreamTextWinsOverBlockReasonInSameChunk(t *testing.T) {
	p := &fakeProvider{chunks: []*ProviderChunk{{Text: "ok", BlockReason: "SAFETY"}}}
	events := drain(t, NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q"))
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Text)
}

func TestStreamAbnormalFinishIsLoggedOnly(t *testing.T) {
	p := &fakeProvider{chunks: []*ProviderChunk{
		{Text: "cut"},
		{FinishReason: "MAX_TOKENS"},
	}}
	events := drain(t, NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q"))
	require.Len(t, events, 1)
	assert.Equal(t, "cut", events[0].Text)
}

func TestStreamOpenFailure(t *testing.T) {
	p := &fakeProvider{openErr: errors.New("dial tcp: refused")}
	events := drain(t, NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q"))
	require.Len(t, events, 1)
	assert.Equal(t, ProviderFailure, events[0].Err.Kind)
	assert.Equal(t, "[SYSTEM: Unexpected error contacting AI service.]", events[0].Err.Marker())
}

func TestStreamReadFailureAfterText(t *testing.T) {
	p := &fakeProvider{
		chunks:  []*ProviderChunk{{Text: "a"}, {Text: "b"}},
		readErr: errors.New("connection reset"),
	}
	events := drain(t, NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q"))
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, "b", events[1].Text)
	assert.Equal(t, ProviderFailure, events[2].Err.Kind)
}

func TestStreamRecoversFromPanic(t *testing.T) {
	p := &fakeProvider{chunks: []*ProviderChunk{{Text: "a"}, {Text: "b"}}, panicOn: 2}
	s := NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q")

	events := drain(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, ProviderFailure, events[1].Err.Kind)

	_, err := s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamCloseStopsReading(t *testing.T) {
	p := &fakeProvider{chunks: []*ProviderChunk{{Text: "a"}, {Text: "b"}}}
	s := NewStreamAdapter(p, nil).Stream(context.Background(), nil, "q")
	_, err := s.Recv()
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.True(t, p.stream.closed)
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAvailable(t *testing.T) {
	assert.False(t, Available(nil))
	assert.False(t, Available(Unavailable(nil)))
	assert.True(t, Available(&fakeProvider{}))

	_, err := Unavailable(nil).Generate(context.Background(), "x", GenerateOptions{})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}
