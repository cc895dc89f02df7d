package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher queue full")
	// ErrDispatcherClosed is returned for work submitted to, or stranded in, a closed dispatcher.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool // key is on the ready list
	running  bool // a job of this key is executing
}

// Dispatcher runs submitted jobs on a bounded worker pool. Jobs sharing a key
// run one at a time in submission order; distinct keys run concurrently and
// are served round-robin.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for Do
	logger   *slog.Logger

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // keys with a runnable job, least recently served first
	positions map[string]*list.Element

	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	d := &Dispatcher{
		JobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d)

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Do runs fn under key and waits for its result. The job still runs to
// completion if ctx ends first; Do then returns ctx.Err().
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	job := Job{
		Type: Run,
		Key:  key,
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return ErrDispatcherClosed
	}
	select {
	case d.JobQueue <- job:
	default:
		d.closeMu.RUnlock()
		return ErrDispatcherBusy
	}
	d.closeMu.RUnlock()

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatching, fails queued jobs with ErrDispatcherClosed and
// retires the workers. Jobs already running are not interrupted.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.quit)
	d.pool.interrupt()
	<-d.stopped

drain:
	for {
		select {
		case job := <-d.JobQueue:
			job.done <- ErrDispatcherClosed
		default:
			break drain
		}
	}

	d.mu.Lock()
	for key, q := range d.queues {
		for _, job := range q.jobs {
			job.done <- ErrDispatcherClosed
		}
		q.jobs = nil
		if !q.running {
			delete(d.queues, key)
		}
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.mu.Unlock()

	d.pool.close()
}

// Pending reports how many jobs are queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.JobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
		if q.running {
			n++
		}
	}
	return n
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.quit:
			return
		default:
		}

		// dispatch one job of the key in the front of the ready list
		if d.dispatchOne() {
			// pick up a new job without blocking
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}

		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(job.Key, q)
}

func (d *Dispatcher) markReadyLocked(key string, q *keyQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// dispatchOne hands the first ready key's oldest job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	d.ready.Remove(elem)
	delete(d.positions, key)
	q.enqueued = false

	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	// the key stays off the ready list until finish
	q.running = true
	d.mu.Unlock()

	workerChan := d.pool.acquire(d.quit)
	if workerChan == nil {
		d.requeue(key, job)
		return false
	}
	select {
	case <-d.quit:
		d.pool.Release(workerChan)
		d.requeue(key, job)
		return false
	default:
	}
	d.logger.Debug("assign job", "key", key, "worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// requeue puts back a job that was never handed to a worker, for Close to fail.
func (d *Dispatcher) requeue(key string, job Job) {
	d.mu.Lock()
	if q, ok := d.queues[key]; ok {
		q.jobs = append([]Job{job}, q.jobs...)
		q.running = false
	}
	d.mu.Unlock()
}

// finish releases key after its job returned and requeues its next job.
func (d *Dispatcher) finish(key string) {
	d.mu.Lock()
	if q, ok := d.queues[key]; ok {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, key)
		} else {
			d.markReadyLocked(key, q)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
