package worker

import (
	"sync"

	"github.com/nimasrn/message-dispatch/pkg/logger"
)

type Handler = func(workerIndex int, job interface{})

// Pool is a fixed-size goroutine pool fed through a channel. With a zero
// buffer Enqueue blocks until a worker is free, which is how the dispatch
// queues bound their in-flight work.
type Pool struct {
	jobs    chan interface{}
	workers int
	handler Handler
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewPool(bufferSize, workers int) *Pool {
	return &Pool{
		jobs:    make(chan interface{}, bufferSize),
		workers: workers,
		quit:    make(chan struct{}),
	}
}

func (p *Pool) SetHandler(h Handler) {
	p.handler = h
}

// Enqueue hands a job to the pool. Returns false when the pool has been
// stopped instead of blocking forever.
func (p *Pool) Enqueue(job interface{}) bool {
	select {
	case p.jobs <- job:
		return true
	case <-p.quit:
		return false
	}
}

func (p *Pool) Depth() int {
	return len(p.jobs)
}

// Start spawns the workers. Each worker runs until Stop; a job already
// picked up is finished before its worker exits.
func (p *Pool) Start() {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func(index int) {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					p.handler(index, job)
				case <-p.quit:
					return
				}
			}
		}(i)
	}
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
	logger.Debug("worker pool stopped", "workers", p.workers)
}
