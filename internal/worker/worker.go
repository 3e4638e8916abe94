package worker

// Worker runs jobs handed to its inbox one at a time.
type Worker struct {
	manager *Manager
	pool    *workerPool
	inbox   chan Job
}

func NewWorker(pool *workerPool, manager *Manager) *Worker {
	return &Worker{
		manager: manager,
		pool:    pool,
		inbox:   make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.park(w.inbox)
			job := <-w.inbox
			if job.Type == Stop {
				w.pool.forget(w.inbox)
				return
			}
			w.manager.handleChat(job.task)
		}
	}()
}
