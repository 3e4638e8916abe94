package worker

import (
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

// slot is the pool's view of one worker goroutine.
type slot struct {
	inbox     chan Job
	idleSince time.Time
	parked    bool
	retired   bool
}

// workerPool hands out idle workers and grows up to maxSize on demand.
// Parked workers form a stack, so the busiest ones stay on top and the ones
// at the bottom age out first.
type workerPool struct {
	mu      sync.Mutex
	freed   *sync.Cond
	parked  []*slot
	slots   map[chan Job]*slot
	minSize int
	maxSize int
	live    int
	idleTTL time.Duration
	manager *Manager
	done    chan struct{}
}

func newWorkerPool(cfg DispatcherConfig, manager *Manager) *workerPool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultWorkerIdle
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	p := &workerPool{
		slots:   make(map[chan Job]*slot),
		minSize: cfg.MinWorkers,
		maxSize: cfg.MaxWorkers,
		idleTTL: cfg.IdleTimeout,
		manager: manager,
		done:    make(chan struct{}),
	}
	p.freed = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// grow starts one more worker unless the pool is full.
func (p *workerPool) grow() {
	p.mu.Lock()
	if p.live >= p.maxSize {
		p.mu.Unlock()
		return
	}
	w := p.addLocked()
	p.mu.Unlock()
	w.Start()
}

func (p *workerPool) addLocked() *Worker {
	w := NewWorker(p, p.manager)
	p.slots[w.inbox] = &slot{inbox: w.inbox}
	p.live++
	debugLog("worker spawned", "live", p.live)
	return w
}

// take blocks until a worker is free and returns its inbox.
func (p *workerPool) take() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if s := p.popLocked(); s != nil {
			return s.inbox
		}
		if p.live < p.maxSize {
			// the new worker parks itself, which wakes us up
			w := p.addLocked()
			p.mu.Unlock()
			w.Start()
			p.mu.Lock()
			continue
		}
		p.freed.Wait()
	}
}

func (p *workerPool) popLocked() *slot {
	for n := len(p.parked); n > 0; n = len(p.parked) {
		s := p.parked[n-1]
		p.parked = p.parked[:n-1]
		if s.retired {
			continue
		}
		s.parked = false
		return s
	}
	return nil
}

// park marks the worker behind inbox as idle.
func (p *workerPool) park(inbox chan Job) {
	p.mu.Lock()
	s, ok := p.slots[inbox]
	if !ok || s.retired || s.parked {
		p.mu.Unlock()
		return
	}
	s.parked = true
	s.idleSince = time.Now()
	p.parked = append(p.parked, s)
	p.mu.Unlock()
	p.freed.Signal()
}

// forget removes a stopped worker from the books.
func (p *workerPool) forget(inbox chan Job) {
	p.mu.Lock()
	if s, ok := p.slots[inbox]; ok {
		delete(p.slots, inbox)
		s.retired = true
		if p.live > 0 {
			p.live--
		}
	}
	p.mu.Unlock()
	p.freed.Broadcast()
}

func (p *workerPool) reapLoop() {
	ticker := time.NewTicker(p.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle stops workers that have been parked longer than idleTTL while
// keeping at least minSize alive.
func (p *workerPool) reapIdle() {
	now := time.Now()
	var stale []*slot

	p.mu.Lock()
	keep := p.parked[:0]
	for _, s := range p.parked {
		if s.retired {
			continue
		}
		if now.Sub(s.idleSince) >= p.idleTTL && p.live-len(stale) > p.minSize {
			s.retired = true
			s.parked = false
			stale = append(stale, s)
			continue
		}
		keep = append(keep, s)
	}
	p.parked = keep
	p.mu.Unlock()

	for _, s := range stale {
		debugLog("retiring idle worker")
		s.inbox <- Job{Type: Stop}
	}
}

func (p *workerPool) close() {
	close(p.done)
}

func (p *workerPool) stats() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.parked)
}
