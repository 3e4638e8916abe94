package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"medchat/internal/models"
	"medchat/internal/service/ai"
)

type fakeStore struct {
	mu        sync.Mutex
	msgs      []models.Message
	nextID    int64
	recentErr error
	appendErr error
	deleteErr error

	recentCalls int
	recentLimit int
	batches     [][]models.Message

	// listed, when set, is called by AllByUser after the snapshot is taken
	// and before it is returned.
	listed func()
}

func (f *fakeStore) RecentByUser(_ context.Context, userID int64, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentCalls++
	f.recentLimit = limit
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	var own []models.Message
	for _, m := range f.msgs {
		if m.UserID == userID {
			own = append(own, m)
		}
	}
	if len(own) > limit {
		own = own[len(own)-limit:]
	}
	return own, nil
}

func (f *fakeStore) AllByUser(_ context.Context, userID int64) ([]models.Message, error) {
	f.mu.Lock()
	if f.recentErr != nil {
		f.mu.Unlock()
		return nil, f.recentErr
	}
	own := []models.Message{}
	for _, m := range f.msgs {
		if m.UserID == userID {
			own = append(own, m)
		}
	}
	listed := f.listed
	f.mu.Unlock()
	if listed != nil {
		listed()
	}
	return own, nil
}

func (f *fakeStore) AppendBatch(ctx context.Context, batch []*models.Message) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	ids := make([]int64, 0, len(batch))
	var copied []models.Message
	for _, m := range batch {
		f.nextID++
		m.ID = f.nextID
		ids = append(ids, m.ID)
		f.msgs = append(f.msgs, *m)
		copied = append(copied, *m)
	}
	f.batches = append(f.batches, copied)
	return ids, nil
}

func (f *fakeStore) DeleteAllByUser(_ context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	kept := f.msgs[:0]
	var n int64
	for _, m := range f.msgs {
		if m.UserID == userID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	f.msgs = kept
	return n, nil
}

func (f *fakeStore) persisted() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.msgs...)
}

// scripted step: either an event or a hard error, with an optional hook that
// runs before the step is returned.
type step struct {
	ev     ai.ChunkEvent
	err    error
	before func()
	panics bool
}

type fakeStreamer struct {
	steps []step

	calls   int
	history []ai.Turn
	prompt  string
	stream  *fakeStream
}

func (f *fakeStreamer) Stream(_ context.Context, history []ai.Turn, prompt string) ai.EventStream {
	f.calls++
	f.history = history
	f.prompt = prompt
	f.stream = &fakeStream{steps: f.steps}
	return f.stream
}

type fakeStream struct {
	steps  []step
	reads  int
	closed bool
}

func (s *fakeStream) Recv() (ai.ChunkEvent, error) {
	if len(s.steps) == 0 {
		return ai.ChunkEvent{}, io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	s.reads++
	if st.before != nil {
		st.before()
	}
	if st.panics {
		panic("stream exploded")
	}
	return st.ev, st.err
}

func (s *fakeStream) Close() {
	s.closed = true
}

func text(s string) step {
	return step{ev: ai.ChunkEvent{Text: s}}
}

func systemError(kind ai.ProviderErrorKind, reason string) step {
	return step{ev: ai.ChunkEvent{Err: &ai.ProviderError{Kind: kind, Reason: reason}}}
}

type recordingSink struct {
	writes  []string
	failAt  int
	failErr error
	panics  bool
}

func (s *recordingSink) Write(fragment string) error {
	if s.panics {
		panic("client went away")
	}
	if s.failAt > 0 && len(s.writes)+1 >= s.failAt {
		if s.failErr == nil {
			s.failErr = errors.New("broken pipe")
		}
		return s.failErr
	}
	s.writes = append(s.writes, fragment)
	return nil
}

type recordingReporter struct {
	mu       sync.Mutex
	failures []FinalizeFailure
}

func (r *recordingReporter) ReportFinalizeFailure(_ context.Context, f FinalizeFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[int64][]models.Message
	versions    map[int64]int64
	invalidated []int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[int64][]models.Message{}, versions: map[int64]int64{}}
}

func (c *fakeCache) Load(_ context.Context, userID int64) ([]models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[userID]
	return m, ok
}

func (c *fakeCache) Version(_ context.Context, userID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[userID], true
}

func (c *fakeCache) Store(_ context.Context, userID int64, version int64, msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[userID] != version {
		return
	}
	c.entries[userID] = msgs
}

func (c *fakeCache) Invalidate(_ context.Context, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[userID]++
	delete(c.entries, userID)
	c.invalidated = append(c.invalidated, userID)
}

type fakeTitles struct {
	mu     sync.Mutex
	title  string
	ok     bool
	inputs [][2]string
}

func (f *fakeTitles) Generate(_ context.Context, firstUser, firstAI string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, [2]string{firstUser, firstAI})
	return f.title, f.ok
}

type fakeTitleStore struct {
	mu      sync.Mutex
	titles  map[int64]string
	deleted []int64
}

func newFakeTitleStore() *fakeTitleStore {
	return &fakeTitleStore{titles: map[int64]string{}}
}

func (f *fakeTitleStore) SaveTitle(_ context.Context, userID int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[userID] = title
	return nil
}

func (f *fakeTitleStore) DeleteTitle(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.titles, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}
