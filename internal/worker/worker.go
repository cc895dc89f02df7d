package worker

import (
	"context"
	"fmt"
)

type JobType int

const (
	Run JobType = iota
	Stop
)

// Job is one unit of keyed work.
type Job struct {
	Type JobType
	Key  string

	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type Worker struct {
	pool       *jobChannelPool
	dispatcher *Dispatcher
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, dispatcher *Dispatcher) *Worker {
	return &Worker{
		pool:       pool,
		dispatcher: dispatcher,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		if !w.pool.Release(w.jobChannel) {
			return
		}
		for job := range w.jobChannel {
			if job.Type == Stop {
				return
			}
			job.done <- w.execute(job)
			w.dispatcher.finish(job.Key)
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}

func (w *Worker) execute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.dispatcher.logger.Error("job panicked", "key", job.Key, "panic", r)
			err = fmt.Errorf("job %s panicked: %v", job.Key, r)
		}
	}()
	return job.fn(job.ctx)
}
