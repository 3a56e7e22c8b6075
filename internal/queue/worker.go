package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Handler processes one claimed job. A non-nil error triggers the
// job's retry policy.
type Handler func(ctx context.Context, job *Job) error

// Broker is the consumer-side slice of the queue.
type Broker interface {
	Claim(ctx context.Context, jobType string) (*Job, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, job *Job, cause error) error
}

// WorkerPool processes one job type with a fixed number of concurrent
// workers. Each job type gets its own pool so an error storm in one
// pipeline cannot starve another.
type WorkerPool struct {
	broker      Broker
	jobType     string
	handler     Handler
	concurrency int
	idleWait    time.Duration
}

func NewWorkerPool(broker Broker, jobType string, handler Handler, concurrency int) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerPool{
		broker:      broker,
		jobType:     jobType,
		handler:     handler,
		concurrency: concurrency,
		idleWait:    time.Second,
	}
}

// Run blocks until ctx is cancelled and all workers have drained their
// in-flight job.
func (w *WorkerPool) Run(ctx context.Context) {
	log.Printf("Starting %d workers for %s jobs", w.concurrency, w.jobType)

	var wg sync.WaitGroup
	wg.Add(w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go func() {
			defer wg.Done()
			w.workLoop(ctx)
		}()
	}
	wg.Wait()

	log.Printf("Workers for %s jobs stopped", w.jobType)
}

func (w *WorkerPool) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.broker.Claim(ctx, w.jobType)
		if err != nil {
			log.Printf("Error claiming %s job: %v", w.jobType, err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.runJob(ctx, job)
	}
}

func (w *WorkerPool) runJob(ctx context.Context, job *Job) {
	err := w.execute(ctx, job)
	if err != nil {
		log.Printf("Job %d (%s) attempt %d/%d failed: %v", job.ID, job.Type, job.AttemptsMade, job.MaxAttempts, err)
		if failErr := w.broker.Fail(ctx, job, err); failErr != nil {
			log.Printf("Error recording failure for job %d: %v", job.ID, failErr)
		}
		return
	}

	if ackErr := w.broker.Complete(ctx, job.ID); ackErr != nil {
		// The job stays active and is reclaimed later; re-execution is
		// safe because handlers are idempotent.
		log.Printf("Error acknowledging job %d: %v", job.ID, ackErr)
	}
}

// execute runs the handler with a panic guard so one bad payload
// cannot take down the worker.
func (w *WorkerPool) execute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *WorkerPool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.idleWait):
	}
}
