package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"medchat/internal/service/chat"
)

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	ErrManagerClosed  = errors.New("worker manager closed")
	ErrJobCancelled   = errors.New("job cancelled before it started")
)

type JobType int

const (
	Chat JobType = iota + 1
	Stop
)

func (t JobType) String() string {
	switch t {
	case Chat:
		return "chat"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("job(%d)", int(t))
	}
}

// Job is the unit handed from the dispatcher to a worker.
type Job struct {
	Type JobType
	task *chatTask
}

// ChatRunner runs one chat request to completion.
type ChatRunner interface {
	Chat(ctx context.Context, req chat.Request, sink chat.Sink) (*chat.Result, error)
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

type chatTask struct {
	ctx      context.Context
	req      chat.Request
	sink     chat.Sink
	state    atomic.Int32
	resultCh chan chatReturn
}

type chatReturn struct {
	result *chat.Result
	err    error
}

// Manager runs chat requests on the worker pool. Users are served round
// robin; requests of one user are not serialized against each other.
type Manager struct {
	runner     ChatRunner
	dispatcher *Dispatcher
	logger     *slog.Logger

	// mu guards closed, queued and every inflight.Add, so Close never
	// waits while a new job can still slip in.
	mu       sync.Mutex
	closed   bool
	queued   map[int64]map[*chatTask]struct{}
	inflight sync.WaitGroup
}

func NewManager(runner ChatRunner, cfg DispatcherConfig, logger *slog.Logger) *Manager {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{runner: runner, logger: logger, queued: make(map[int64]map[*chatTask]struct{})}
	m.dispatcher = NewDispatcher(cfg, m)
	return m
}

// Chat queues the request and blocks until a worker has finished it. A full
// queue fails fast with ErrDispatcherBusy before anything is streamed. If ctx
// ends while the job is still queued the job is dropped.
func (m *Manager) Chat(ctx context.Context, req chat.Request, sink chat.Sink) (*chat.Result, error) {
	task := &chatTask{
		ctx:      ctx,
		req:      req,
		sink:     sink,
		resultCh: make(chan chatReturn, 1),
	}
	if err := m.enqueue(task); err != nil {
		return nil, err
	}

	select {
	case ret := <-task.resultCh:
		return ret.result, ret.err
	case <-ctx.Done():
		if task.state.CompareAndSwap(taskQueued, taskAbandoned) {
			// the worker will skip it
			return nil, ctx.Err()
		}
		ret := <-task.resultCh
		return ret.result, ret.err
	}
}

func (m *Manager) enqueue(task *chatTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.inflight.Add(1)
	select {
	case m.dispatcher.submit <- Job{Type: Chat, task: task}:
	default:
		m.inflight.Done()
		m.logger.Warn("chat queue full", "user_id", task.req.UserID)
		return ErrDispatcherBusy
	}
	userID := task.req.UserID
	if m.queued[userID] == nil {
		m.queued[userID] = make(map[*chatTask]struct{})
	}
	m.queued[userID][task] = struct{}{}
	return nil
}

// forget takes a task off the queued books once a worker picked it up.
func (m *Manager) forget(task *chatTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID := task.req.UserID
	delete(m.queued[userID], task)
	if len(m.queued[userID]) == 0 {
		delete(m.queued, userID)
	}
}

// CancelUser fails every job of the user that has not started yet with
// ErrJobCancelled and returns how many it cancelled. Running jobs continue.
// The workers still receive the cancelled jobs and skip them.
func (m *Manager) CancelUser(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for task := range m.queued[userID] {
		if task.state.CompareAndSwap(taskQueued, taskAbandoned) {
			task.resultCh <- chatReturn{err: ErrJobCancelled}
			n++
		}
	}
	delete(m.queued, userID)
	if n > 0 {
		m.logger.Info("queued chats cancelled", "user_id", userID, "cancelled", n)
	}
	return n
}

// Close stops accepting jobs and waits for the accepted ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.inflight.Wait()
	m.dispatcher.Stop()
}

func (m *Manager) handleChat(task *chatTask) {
	if task == nil {
		return
	}
	m.forget(task)
	if !task.state.CompareAndSwap(taskQueued, taskRunning) {
		// abandoned by its caller or cancelled while queued
		m.inflight.Done()
		return
	}
	defer m.inflight.Done()

	var ret chatReturn
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("chat job panicked", "user_id", task.req.UserID, "panic", r)
				ret = chatReturn{err: fmt.Errorf("chat job panicked: %v", r)}
			}
		}()
		ret.result, ret.err = m.runner.Chat(task.ctx, task.req, task.sink)
	}()
	task.resultCh <- ret
}
