package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"medchat/internal/models"
	"medchat/internal/service/ai"
)

const (
	DefaultHistoryLimit     = 20
	DefaultMaxResponseBytes = 1 << 20
	DefaultStreamTimeout    = 5 * time.Minute

	titleTimeout = 30 * time.Second

	internalFaultMarker   = "[SYSTEM: Internal server error during response generation.]"
	responseTooLongMarker = "[SYSTEM: Response exceeded maximum length.]"
)

// Outcome is how the streaming phase of a chat ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
)

// Store is the message log the orchestrator reads from and appends to.
type Store interface {
	RecentByUser(ctx context.Context, userID int64, limit int) ([]models.Message, error)
	AllByUser(ctx context.Context, userID int64) ([]models.Message, error)
	AppendBatch(ctx context.Context, msgs []*models.Message) ([]int64, error)
	DeleteAllByUser(ctx context.Context, userID int64) (int64, error)
}

// Streamer opens an adapted provider stream.
type Streamer interface {
	Stream(ctx context.Context, history []ai.Turn, prompt string) ai.EventStream
}

// Sink receives forwarded fragments in order. A write error means the client
// is gone.
type Sink interface {
	Write(fragment string) error
}

// HistoryCache holds a copy of each user's full history. Every Invalidate
// bumps the user's version, and Store only lands if the version is still the
// one read before the store was queried, so a slow reader cannot put back a
// snapshot taken before a write.
type HistoryCache interface {
	Load(ctx context.Context, userID int64) ([]models.Message, bool)
	Version(ctx context.Context, userID int64) (int64, bool)
	Store(ctx context.Context, userID int64, version int64, msgs []models.Message)
	Invalidate(ctx context.Context, userID int64)
}

type TitleGenerator interface {
	Generate(ctx context.Context, firstUser, firstAI string) (string, bool)
}

type TitleStore interface {
	SaveTitle(ctx context.Context, userID int64, title string) error
	DeleteTitle(ctx context.Context, userID int64) error
}

type Request struct {
	UserID  int64
	Message string
}

// Result describes a finished chat. FinalizeErr is set when persistence
// failed after the reply had been delivered.
type Result struct {
	UserMessage *models.Message
	AIMessage   *models.Message
	Outcome     Outcome
	Forwarded   int
	FinalizeErr error
}

type Options struct {
	HistoryLimit     int
	MaxResponseBytes int
	StreamTimeout    time.Duration
	Cache            HistoryCache
	Reporter         Reporter
	Titles           TitleGenerator
	TitleStore       TitleStore
	Logger           *slog.Logger
}

type Service struct {
	store    Store
	streamer Streamer
	cache    HistoryCache
	reporter Reporter
	titles   TitleGenerator
	titleDB  TitleStore
	logger   *slog.Logger

	historyLimit     int
	maxResponseBytes int
	streamTimeout    time.Duration

	titleJobs sync.WaitGroup
}

func NewService(store Store, streamer Streamer, opts Options) *Service {
	s := &Service{
		store:            store,
		streamer:         streamer,
		cache:            opts.Cache,
		reporter:         opts.Reporter,
		titles:           opts.Titles,
		titleDB:          opts.TitleStore,
		logger:           opts.Logger,
		historyLimit:     opts.HistoryLimit,
		maxResponseBytes: opts.MaxResponseBytes,
		streamTimeout:    opts.StreamTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.reporter == nil {
		s.reporter = NewLogReporter(s.logger)
	}
	if s.historyLimit <= 0 {
		s.historyLimit = DefaultHistoryLimit
	}
	if s.maxResponseBytes <= 0 {
		s.maxResponseBytes = DefaultMaxResponseBytes
	}
	if s.streamTimeout <= 0 {
		s.streamTimeout = DefaultStreamTimeout
	}
	return s
}

// Chat validates the request, streams the reply into sink and persists the
// exchange once streaming ends, whatever the reason. Errors are returned only
// for failures that happen before the first write to sink.
func (s *Service) Chat(ctx context.Context, req Request, sink Sink) (res *Result, err error) {
	if req.UserID <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: "user id is required"}
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, &ValidationError{Field: "message", Reason: "message cannot be empty"}
	}
	pending := &models.Message{
		UserID:      req.UserID,
		Sender:      models.SenderUser,
		ContentType: models.ContentText,
		Content:     text,
		Timestamp:   time.Now().UTC(),
	}

	history, err := s.store.RecentByUser(ctx, req.UserID, s.historyLimit)
	if err != nil {
		return nil, &RetrievalError{UserID: req.UserID, Err: err}
	}

	run := &streamRun{
		ctx:      ctx,
		sink:     sink,
		maxBytes: s.maxResponseBytes,
		res:      &Result{UserMessage: pending, Outcome: OutcomeCompleted},
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("chat stream panicked", "user_id", req.UserID, "panic", r)
			run.fail(internalFaultMarker)
		}
		s.finalize(ctx, run, !hasReply(history))
		res = run.res
	}()

	streamCtx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()
	stream := s.streamer.Stream(streamCtx, ai.FormatHistory(history), text)
	defer stream.Close()

	s.pump(run, stream)
	return run.res, nil
}

type streamRun struct {
	ctx      context.Context
	sink     Sink
	maxBytes int
	reply    strings.Builder
	sinkDead bool
	res      *Result
}

// forward writes one fragment; after the first failed write nothing else is
// written.
func (r *streamRun) forward(fragment string) {
	if r.sinkDead {
		return
	}
	if err := r.write(fragment); err != nil {
		r.sinkDead = true
		if r.res.Outcome != OutcomeErrored {
			r.res.Outcome = OutcomeCancelled
		}
		return
	}
	r.res.Forwarded++
}

// write treats a panicking sink like a broken one.
func (r *streamRun) write(fragment string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
	}()
	return r.sink.Write(fragment)
}

func (r *streamRun) fail(marker string) {
	r.res.Outcome = OutcomeErrored
	r.forward(marker)
}

func (s *Service) pump(run *streamRun, stream ai.EventStream) {
	for {
		if run.ctx.Err() != nil {
			run.res.Outcome = OutcomeCancelled
			return
		}
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if run.ctx.Err() != nil {
			run.res.Outcome = OutcomeCancelled
			return
		}
		if err != nil {
			s.logger.Error("chat stream failed", "user_id", run.res.UserMessage.UserID, "err", err)
			run.fail(internalFaultMarker)
			return
		}
		if ev.IsSystemError() {
			run.fail(ev.Err.Marker())
			return
		}
		if ev.Text == "" {
			continue
		}
		if run.reply.Len()+len(ev.Text) > run.maxBytes {
			s.logger.Warn("chat response too long", "user_id", run.res.UserMessage.UserID, "limit", run.maxBytes)
			run.fail(responseTooLongMarker)
			return
		}
		run.reply.WriteString(ev.Text)
		run.forward(ev.Text)
		if run.sinkDead {
			return
		}
	}
}

func (s *Service) finalize(ctx context.Context, run *streamRun, firstExchange bool) {
	ctx = context.WithoutCancel(ctx)
	res := run.res
	now := time.Now().UTC()
	res.UserMessage.Timestamp = now
	batch := []*models.Message{res.UserMessage}

	reply := strings.TrimSpace(run.reply.String())
	if res.Outcome != OutcomeErrored && reply != "" {
		res.AIMessage = &models.Message{
			UserID:      res.UserMessage.UserID,
			Sender:      models.SenderAI,
			ContentType: models.ContentText,
			Content:     reply,
			Timestamp:   now,
		}
		batch = append(batch, res.AIMessage)
	}

	if _, err := s.store.AppendBatch(ctx, batch); err != nil {
		res.FinalizeErr = err
		s.reporter.ReportFinalizeFailure(ctx, FinalizeFailure{
			UserID:    res.UserMessage.UserID,
			Outcome:   res.Outcome,
			Messages:  len(batch),
			Error:     err.Error(),
			Timestamp: now,
		})
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, res.UserMessage.UserID)
	}
	if firstExchange && res.AIMessage != nil {
		s.scheduleTitle(res.UserMessage.UserID, res.UserMessage.Content, res.AIMessage.Content)
	}
}

func (s *Service) scheduleTitle(userID int64, firstUser, firstAI string) {
	if s.titles == nil || s.titleDB == nil {
		return
	}
	s.titleJobs.Add(1)
	go func() {
		defer s.titleJobs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()
		title, ok := s.titles.Generate(ctx, firstUser, firstAI)
		if !ok {
			return
		}
		if err := s.titleDB.SaveTitle(ctx, userID, title); err != nil {
			s.logger.Warn("save chat title failed", "user_id", userID, "err", err)
		}
	}()
}

// History returns the user's full conversation, oldest first.
func (s *Service) History(ctx context.Context, userID int64) ([]models.Message, error) {
	var (
		version   int64
		cacheable bool
	)
	if s.cache != nil {
		if msgs, ok := s.cache.Load(ctx, userID); ok {
			return msgs, nil
		}
		version, cacheable = s.cache.Version(ctx, userID)
	}
	msgs, err := s.store.AllByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.Store(ctx, userID, version, msgs)
	}
	return msgs, nil
}

// hasReply reports whether the history already holds an AI message, which
// means the conversation has had its first exchange.
func hasReply(history []models.Message) bool {
	for _, m := range history {
		if m.Sender == models.SenderAI {
			return true
		}
	}
	return false
}

// ClearHistory deletes every message of the user and reports how many were
// removed.
func (s *Service) ClearHistory(ctx context.Context, userID int64) (int64, error) {
	count, err := s.store.DeleteAllByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
	if s.titleDB != nil {
		if err := s.titleDB.DeleteTitle(ctx, userID); err != nil {
			s.logger.Warn("delete chat title failed", "user_id", userID, "err", err)
		}
	}
	s.logger.Info("chat history cleared", "user_id", userID, "deleted", count)
	return count, nil
}

// InvalidateHistory drops the cached copy after messages were added outside
// of Chat.
func (s *Service) InvalidateHistory(ctx context.Context, userID int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
}

// Close waits for background title jobs.
func (s *Service) Close() {
	s.titleJobs.Wait()
}
