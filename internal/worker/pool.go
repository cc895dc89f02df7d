package worker

import (
	"sync"
	"time"
)

type workerMeta struct {
	id        int
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	idle       []*workerMeta
	metadata   map[chan Job]*workerMeta
	min        int
	max        int
	running    int
	nextID     int
	expiry     time.Duration
	dispatcher *Dispatcher
	quit       chan struct{}
	closed     bool
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, dispatcher *Dispatcher) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata:   make(map[chan Job]*workerMeta),
		min:        minWorkers,
		max:        maxWorkers,
		expiry:     idle,
		dispatcher: dispatcher,
		quit:       make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker add a new worker, great for patch spawn
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	worker := p.newWorkerLocked()
	p.mu.Unlock()
	worker.Start()
}

func (p *jobChannelPool) newWorkerLocked() *Worker {
	worker := NewWorker(p, p.dispatcher)
	p.nextID++
	p.metadata[worker.jobChannel] = &workerMeta{id: p.nextID, ch: worker.jobChannel}
	p.running++
	return worker
}

// acquire get an idle worker, or spawn a new one; nil once quit is closed
func (p *jobChannelPool) acquire(quit <-chan struct{}) chan Job {
	for {
		p.mu.Lock()
		select {
		case <-quit:
			p.mu.Unlock()
			return nil
		default:
		}
		// get an idle worker
		if meta := p.popIdleLocked(); meta != nil {
			p.mu.Unlock()
			return meta.ch
		}
		// need to add a new worker; it registers itself as idle once started
		if p.running < p.max {
			worker := p.newWorkerLocked()
			p.mu.Unlock()
			worker.Start()
			continue
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

// Release add an idle worker into the pool; false tells the worker to exit.
func (p *jobChannelPool) Release(ch chan Job) bool {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || p.closed {
		p.mu.Unlock()
		return false
	}
	if meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return true
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// interrupt wakes acquire callers so they re-check quit
func (p *jobChannelPool) interrupt() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// retire delete a worker
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *jobChannelPool) workerID(ch chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta, ok := p.metadata[ch]; ok {
		return meta.id
	}
	return 0
}

func (p *jobChannelPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

// popIdleLocked check if pool has an idle worker, then return
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// purgeStaleWorkers call shutdownExpired when expiry time comes
func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired(time.Now())
		case <-p.quit:
			return
		}
	}
}

// shutdownExpired retire all the expired worker
func (p *jobChannelPool) shutdownExpired(now time.Time) {
	var stale []*workerMeta

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded { // discarded currently deleting worker
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta) // into the stale array, will delete
			continue
		}
		remaining = append(remaining, meta) // into the remaining array
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- Job{Type: Stop}
	}
}

// close retires idle workers now and busy ones when they next release.
func (p *jobChannelPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	idle := p.idle
	p.idle = nil
	for _, meta := range idle {
		meta.discarded = true
		meta.enqueued = false
	}
	p.mu.Unlock()

	for _, meta := range idle {
		meta.ch <- Job{Type: Stop}
	}
}
