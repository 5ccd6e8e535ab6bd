// Package workerpool implements the Worker Pool (spec §4.7): a bounded
// pool running Pipes in parallel. The pool is the only component allowed
// to invoke user code (spec §5 scheduling model); it knows nothing about
// Pipes, Tasks, or fingerprints — it runs opaque functions and reports
// their results.
//
// Grounded on internal/dag/executor.go's RunParallel dispatch
// (workCh/doneCh channels feeding a fixed set of worker goroutines),
// generalized from depth-staged graph dispatch into a standalone bounded
// pool any caller can submit individual jobs to.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Result is what a submitted Func returns on success.
type Result struct {
	Values      []any
	OutputPaths []string
}

// Func is a unit of work the pool executes. It is the only place user Pipe
// bodies are ever invoked from (spec §4.7, §5: "the pool is the only
// component allowed to invoke user code").
type Func func(ctx context.Context) (Result, error)

// Future is a handle to a submitted job's eventual result.
type Future struct {
	done   chan struct{}
	result Result
	err    error
}

// Wait blocks until the job completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

var (
	metricsOnce sync.Once

	tasksExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeweave_tasks_executed_total",
		Help: "Total number of pipe invocations completed by the worker pool.",
	})
	tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeweave_tasks_failed_total",
		Help: "Total number of pipe invocations that returned an error.",
	})
	workerBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeweave_worker_busy",
		Help: "Number of worker goroutines currently executing a pipe.",
	})
)

// RegisterMetrics registers the pool's Prometheus collectors with reg. Safe
// to call multiple times; registration happens once per process.
func RegisterMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(tasksExecuted, tasksFailed, workerBusy)
	})
}

type job struct {
	fn     Func
	future *Future
}

// Pool is a bounded pool of worker goroutines (spec §4.7's "worker
// processes" realized, idiomatically for Go, as goroutines with isolated
// argument materialization rather than OS processes; see DESIGN.md).
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	closed    int32
	closeOnce sync.Once
	log       *logrus.Entry
}

// New starts a Pool with n worker goroutines. n must be >= 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		jobs: make(chan job, n),
		log:  logrus.WithField("component", "workerpool"),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		workerBusy.Inc()
		res, err := j.fn(context.Background())
		workerBusy.Dec()
		if err != nil {
			tasksFailed.Inc()
		} else {
			tasksExecuted.Inc()
		}
		j.future.result = res
		j.future.err = err
		close(j.future.done)
	}
}

// Submit enqueues fn for execution by a worker, returning a Future for its
// result. Submit blocks if the pool's internal queue is full and ctx is not
// cancelled first.
func (p *Pool) Submit(ctx context.Context, fn Func) (*Future, error) {
	if atomic.LoadInt32(&p.closed) != 0 {
		return nil, fmt.Errorf("workerpool: pool is shut down")
	}
	future := &Future{done: make(chan struct{})}
	select {
	case p.jobs <- job{fn: fn, future: future}:
		return future, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting new submissions and waits for in-flight jobs to
// finish (spec §4.8 cancellation note: "already-running Tasks run to
// completion").
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		atomic.StoreInt32(&p.closed, 1)
		close(p.jobs)
	})
	p.wg.Wait()
}
