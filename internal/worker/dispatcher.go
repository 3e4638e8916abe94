package worker

import (
	"container/list"
	"sync"
)

// fairQueue keeps a FIFO of pending jobs per user and serves users in turn.
type fairQueue struct {
	mu      sync.Mutex
	pending map[int64][]Job
	turns   *list.List // users with pending jobs; front goes next
	seats   map[int64]*list.Element
}

func newFairQueue() *fairQueue {
	return &fairQueue{
		pending: make(map[int64][]Job),
		turns:   list.New(),
		seats:   make(map[int64]*list.Element),
	}
}

func (q *fairQueue) push(job Job) {
	userID := job.userID()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[userID] = append(q.pending[userID], job)
	if _, waiting := q.seats[userID]; !waiting {
		q.seats[userID] = q.turns.PushBack(userID)
	}
}

// next pops the oldest job of the user whose turn it is. left is how many
// jobs that user still has queued.
func (q *fairQueue) next() (job Job, left int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem := q.turns.Front()
	if elem == nil {
		return Job{}, 0, false
	}
	userID := elem.Value.(int64)
	jobs := q.pending[userID]
	job, jobs = jobs[0], jobs[1:]
	if len(jobs) == 0 {
		delete(q.pending, userID)
		delete(q.seats, userID)
		q.turns.Remove(elem)
	} else {
		q.pending[userID] = jobs
		q.turns.MoveToBack(elem)
	}
	return job, len(jobs), true
}

// Dispatcher moves submitted jobs into the fair queue and from there onto
// free workers.
type Dispatcher struct {
	submit chan Job
	queue  *fairQueue
	pool   *workerPool
	done   chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, manager *Manager) *Dispatcher {
	d := &Dispatcher{
		submit: make(chan Job, cfg.QueueSize),
		queue:  newFairQueue(),
		pool:   newWorkerPool(cfg, manager),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.grow()
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		if d.dispatchOne() {
			// drain one new submission without blocking so that newcomers
			// get a turn before the next dispatch
			select {
			case job := <-d.submit:
				d.queue.push(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.submit:
			d.queue.push(job)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) dispatchOne() bool {
	job, left, ok := d.queue.next()
	if !ok {
		return false
	}
	inbox := d.pool.take()
	debugLog("dispatch chat job", "user_id", job.userID(), "pending", left)
	inbox <- job
	return true
}

// Stop ends the dispatch loop once every queued job has been handed out.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.pool.close()
}

func (job Job) userID() int64 {
	if job.task == nil {
		return 0
	}
	return job.task.req.UserID
}
