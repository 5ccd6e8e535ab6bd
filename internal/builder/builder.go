// Package builder implements the Builder/Scheduler (spec §4.8): a deferred
// plan of UnrunTasks and VirtualResources, executed topologically against
// the Worker Pool once their dataflow predecessors resolve.
//
// Grounded on internal/dag/taskgraph.go's canonicalization + Kahn's-algorithm
// acyclicity proof (internal/dag/validate.go's deterministic min-heap ready
// queue), internal/dag/scheduler.go's GetReadyTasks readiness rule, and
// internal/dag/state_machine.go's Transition/FailAndPropagate state machine
// — generalized from a statically-declared TaskGraph of named nodes to a
// dynamically-grown graph of *model.UnrunTask pointers linked by
// VirtualResource producer edges.
package builder

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"pipeweave/internal/batchlog"
	"pipeweave/internal/executor"
	"pipeweave/internal/fileresource"
	"pipeweave/internal/fingerprint"
	"pipeweave/internal/model"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
	"pipeweave/internal/vault"
	"pipeweave/internal/workerpool"
)

// ErrCycleDetected corresponds to spec §7 CycleDetected: the builder's
// dataflow graph is not a DAG, including a self-reference via
// VirtualResource (spec §9).
var ErrCycleDetected = errors.New("builder: cycle detected in dataflow graph")

// ErrCancelled corresponds to spec §7 Cancelled.
var ErrCancelled = errors.New("builder: cancelled")

// taskState is the runtime status of one UnrunTask within a batch,
// mirroring internal/dag/state.go's TaskState but without a RUNNING state
// exposed to callers (tracked only internally by the dispatch loop).
type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateCompleted
	stateCached
	stateFailed
	stateSkipped
)

// Outcome is the terminal disposition of one UnrunTask reported in a
// BuildResult (spec §4.8: completed, folded/cached via in-batch dedup,
// failed, or skipped due to an upstream failure).
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCached
	OutcomeFailed
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCached:
		return "cached"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// BuildResult is ExecuteBuilder's return value: the terminal outcome of
// every UnrunTask that settled this batch, plus the first failure
// encountered (if any) — independent branches still run to completion
// (spec §4.8: "independent branches continue"). After cancellation, tasks
// that were never dispatched have no entry in Outcomes.
type BuildResult struct {
	Outcomes map[*model.UnrunTask]Outcome
	Errs     map[*model.UnrunTask]error
	Err      error
}

// inflight tracks one fingerprint's in-progress (or completed) execution
// within this batch, so a second UnrunTask sharing that fingerprint folds
// into the first rather than re-running it (spec §4.8 last bullet, §5
// "the coordinator maintains an in-flight fingerprint set").
type inflight struct {
	done   chan struct{}
	result *executor.RunResult
	err    error
}

// Builder is the Builder/Scheduler (C8): a single batch's worth of deferred
// UnrunTasks, submitted topologically against the Worker Pool via the
// Executor.
type Builder struct {
	store    *store.Store
	vaultV   *vault.Vault
	registry *registry.Registry
	files    *fileresource.Manager
	exec     *executor.Executor
	pool     *workerpool.Pool

	log *logrus.Entry
	rec *batchlog.Recorder

	mu        sync.Mutex
	tasks     []*model.UnrunTask
	vrs       map[*model.UnrunTask][]*model.VirtualResource
	inflightM map[fingerprint.Fingerprint]*inflight
}

// New constructs a Builder sharing the given Executor's components.
func New(s *store.Store, v *vault.Vault, reg *registry.Registry, fm *fileresource.Manager, exec *executor.Executor, pool *workerpool.Pool) *Builder {
	return &Builder{
		store:     s,
		vaultV:    v,
		registry:  reg,
		files:     fm,
		exec:      exec,
		pool:      pool,
		log:       logrus.WithField("component", "builder"),
		vrs:       make(map[*model.UnrunTask][]*model.VirtualResource),
		inflightM: make(map[fingerprint.Fingerprint]*inflight),
	}
}

// WithBatchLog attaches a crash-diagnostics recorder (package batchlog):
// ExecuteBuilder will log the batch's start, a checkpoint per settled
// Task, and the batch's terminal failure (if any) under baseDir. Optional
// — a Builder with no recorder attached behaves identically, just without
// the on-disk trail.
func (b *Builder) WithBatchLog(baseDir string) (*Builder, error) {
	st, err := batchlog.NewStore(baseDir)
	if err != nil {
		return nil, err
	}
	b.rec = &batchlog.Recorder{Store: st}
	return b, nil
}

// CallPipe mirrors Executor.Run but defers execution (spec §4.8): it
// records an UnrunTask bound to args (which may themselves contain
// ArgVirtual references to other pending UnrunTasks' outputs) and returns
// nOutputs VirtualResources the caller can thread into further CallPipe
// invocations before ExecuteBuilder ever runs.
//
// nOutputs is the number of Resources the pipe is expected to return
// (spec §4.6: "single-return pipes yield exactly one Resource"); the
// spec's Pipe model does not declare an output arity statically, so the
// Builder requires the caller to state it up front for VirtualResource
// wiring to be possible before anything has executed.
func (b *Builder) CallPipe(pipeID model.ID, args model.Args, nOutputs int) (*model.UnrunTask, []*model.VirtualResource, error) {
	if _, err := b.registry.Get(pipeID); err != nil {
		return nil, nil, err
	}

	ut := &model.UnrunTask{PipeID: pipeID, Args: args}
	vrs := make([]*model.VirtualResource, nOutputs)
	for i := range vrs {
		vrs[i] = &model.VirtualResource{Producer: ut, Ordinal: i}
	}

	b.mu.Lock()
	b.tasks = append(b.tasks, ut)
	b.vrs[ut] = vrs
	b.mu.Unlock()
	return ut, vrs, nil
}

// dependencies returns the UnrunTasks t's arguments reference via
// VirtualResource, i.e. t's dataflow predecessors.
func dependencies(t *model.UnrunTask) []*model.UnrunTask {
	var deps []*model.UnrunTask
	for _, a := range t.Args {
		if a.Kind == model.ArgVirtual && a.Virtual != nil && a.Virtual.Producer != nil {
			deps = append(deps, a.Virtual.Producer)
		}
	}
	return deps
}

// ExecuteBuilder performs the topological pass described in spec §4.8: ready
// UnrunTasks (no unresolved VirtualResource arguments) are submitted to the
// Worker Pool as their predecessors complete; a failure marks all
// transitive successors skipped without blocking independent branches;
// cancelling ctx stops new submissions but lets already-running Tasks
// finish (user code is not interruptible, spec §5).
func (b *Builder) ExecuteBuilder(ctx context.Context) (*BuildResult, error) {
	b.mu.Lock()
	tasks := append([]*model.UnrunTask(nil), b.tasks...)
	b.mu.Unlock()

	if len(tasks) == 0 {
		return &BuildResult{Outcomes: map[*model.UnrunTask]Outcome{}, Errs: map[*model.UnrunTask]error{}}, nil
	}

	batchID, err := b.rec.NewBatchID()
	if err != nil {
		return nil, fmt.Errorf("builder: minting batch id: %w", err)
	}
	if err := b.rec.StartBatch(batchID); err != nil {
		return nil, fmt.Errorf("builder: starting batch log: %w", err)
	}

	index := make(map[*model.UnrunTask]int, len(tasks))
	for i, t := range tasks {
		index[t] = i
	}

	successors := make([][]int, len(tasks))
	indeg := make([]int, len(tasks))
	for i, t := range tasks {
		for _, dep := range dependencies(t) {
			di, ok := index[dep]
			if !ok {
				// Dependency belongs to an earlier batch and is already
				// resolved (its replacement is set); it contributes no
				// in-batch edge.
				continue
			}
			successors[di] = append(successors[di], i)
			indeg[i]++
		}
	}

	if err := checkAcyclic(indeg, successors); err != nil {
		_ = b.rec.RecordFailure(batchID, nil, batchlog.FailureClassCycle, err)
		_ = b.rec.FinishBatch(batchID, batchlog.BatchStatusFailed)
		return nil, err
	}

	states := make([]taskState, len(tasks))
	result := &BuildResult{Outcomes: make(map[*model.UnrunTask]Outcome, len(tasks)), Errs: make(map[*model.UnrunTask]error)}

	ready := &intMinHeap{}
	heap.Init(ready)
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	type completion struct {
		idx    int
		result *executor.RunResult
		err    error
	}
	done := make(chan completion)
	var wg sync.WaitGroup
	inFlightCount := 0

	dispatch := func(i int) {
		states[i] = stateRunning
		inFlightCount++
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.runOne(ctx, tasks[i])
			done <- completion{idx: i, result: res, err: err}
		}()
	}

	cancelled := false
	for inFlightCount > 0 || ready.Len() > 0 {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
		}
		for !cancelled && ready.Len() > 0 {
			i := heap.Pop(ready).(int)
			dispatch(i)
		}
		if inFlightCount == 0 {
			break
		}
		c := <-done
		inFlightCount--
		t := tasks[c.idx]

		if c.err != nil {
			t.Err = c.err
			states[c.idx] = stateFailed
			result.Outcomes[t] = OutcomeFailed
			result.Errs[t] = c.err
			if result.Err == nil {
				result.Err = c.err
			}
			idx := c.idx
			_ = b.rec.RecordFailure(batchID, &idx, batchlog.FailureClassExecution, c.err)
			_ = b.rec.Checkpoint(batchID, c.idx, "", OutcomeFailed.String())
			skipTransitive(c.idx, successors, states, result, tasks)
			continue
		}

		t.Replacement = &model.Task{ID: c.result.TaskID, Outputs: c.result.Outputs}
		for j, vr := range b.virtualResourcesOf(t) {
			if j < len(c.result.Outputs) {
				ref := c.result.Outputs[j]
				vr.Replacement = &ref
			}
		}
		if c.result.FromCache {
			states[c.idx] = stateCached
			result.Outcomes[t] = OutcomeCached
		} else {
			states[c.idx] = stateCompleted
			result.Outcomes[t] = OutcomeCompleted
		}
		fpHex := ""
		if b.rec != nil {
			if committed, err := b.store.GetTask(c.result.TaskID); err == nil {
				fpHex = committed.Fingerprint
			}
		}
		_ = b.rec.Checkpoint(batchID, c.idx, fpHex, result.Outcomes[t].String())

		for _, s := range successors[c.idx] {
			indeg[s]--
			if indeg[s] == 0 && states[s] == statePending {
				heap.Push(ready, s)
			}
		}
	}
	wg.Wait()

	if cancelled && result.Err == nil {
		result.Err = ErrCancelled
		_ = b.rec.RecordFailure(batchID, nil, batchlog.FailureClassSystem, ErrCancelled)
	}

	status := batchlog.BatchStatusCompleted
	if result.Err != nil {
		status = batchlog.BatchStatusFailed
	}
	_ = b.rec.FinishBatch(batchID, status)
	return result, nil
}

// virtualResourcesOf returns the VirtualResources CallPipe created for t, so
// ExecuteBuilder can install their Replacement once t completes.
func (b *Builder) virtualResourcesOf(t *model.UnrunTask) []*model.VirtualResource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vrs[t]
}

// runOne resolves t's now-fully-bound arguments, applies in-batch
// fingerprint folding (spec §4.8 last bullet), and otherwise delegates to
// the Executor exactly as a synchronous call would.
func (b *Builder) runOne(ctx context.Context, t *model.UnrunTask) (*executor.RunResult, error) {
	resolved, err := resolveVirtualArgs(t.Args)
	if err != nil {
		return nil, err
	}

	pipe, err := b.registry.Get(t.PipeID)
	if err != nil {
		return nil, err
	}

	if !pipe.IsDeterministic {
		return b.exec.Run(ctx, t.PipeID, resolved)
	}

	fp, err := fingerprint.Compute(pipe.IdentityKey, pipe.Schema, resolved, b.store.FingerprintResolver())
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.inflightM[fp]; ok {
		b.mu.Unlock()
		<-existing.done
		if existing.err != nil {
			return nil, existing.err
		}
		folded := *existing.result
		folded.FromCache = true
		return &folded, nil
	}
	fut := &inflight{done: make(chan struct{})}
	b.inflightM[fp] = fut
	b.mu.Unlock()

	res, err := b.exec.Run(ctx, t.PipeID, resolved)
	fut.result, fut.err = res, err
	close(fut.done)
	return res, err
}

// resolveVirtualArgs replaces every ArgVirtual in args with the concrete
// ArgResource/ArgFileResource its VirtualResource resolved to. Callers must
// ensure every Virtual reference is already resolved (args.Resolved()).
func resolveVirtualArgs(args model.Args) (model.Args, error) {
	out := make(model.Args, len(args))
	for i, a := range args {
		if a.Kind != model.ArgVirtual {
			out[i] = a
			continue
		}
		if a.Virtual == nil || a.Virtual.Replacement == nil {
			return nil, fmt.Errorf("builder: virtual argument unresolved at dispatch time (scheduler bug)")
		}
		ref := *a.Virtual.Replacement
		switch ref.Kind {
		case model.OutputResource:
			out[i] = model.Arg{Name: a.Name, Kind: model.ArgResource, ResourceID: ref.ResourceID}
		case model.OutputFileResource:
			out[i] = model.Arg{Name: a.Name, Kind: model.ArgFileResource, FileResourceID: ref.FileResourceID}
		default:
			return nil, fmt.Errorf("builder: virtual argument resolved to unknown output kind")
		}
	}
	return out, nil
}

// skipTransitive marks every node reachable from the failed node i as
// skipped (spec §4.8: "failure of one UnrunTask marks all transitive
// successors as skipped"), using the same deterministic min-heap BFS
// internal/dag/state_machine.go's FailAndPropagate uses.
func skipTransitive(i int, successors [][]int, states []taskState, result *BuildResult, tasks []*model.UnrunTask) {
	visited := make([]bool, len(states))
	visited[i] = true
	q := &intMinHeap{}
	heap.Init(q)
	for _, s := range successors[i] {
		heap.Push(q, s)
	}
	for q.Len() > 0 {
		u := heap.Pop(q).(int)
		if visited[u] {
			continue
		}
		visited[u] = true
		if states[u] == statePending {
			states[u] = stateSkipped
			tasks[u].Skipped = true
			result.Outcomes[tasks[u]] = OutcomeSkipped
		}
		for _, v := range successors[u] {
			if !visited[v] {
				heap.Push(q, v)
			}
		}
	}
}

// checkAcyclic proves the dependency graph is a DAG via Kahn's algorithm,
// matching internal/dag/validate.go's approach, generalized to the
// Builder's dynamically-discovered node set.
func checkAcyclic(indeg []int, successors [][]int) error {
	d := append([]int(nil), indeg...)
	q := &intMinHeap{}
	heap.Init(q)
	for i, v := range d {
		if v == 0 {
			heap.Push(q, i)
		}
	}
	seen := 0
	for q.Len() > 0 {
		u := heap.Pop(q).(int)
		seen++
		for _, v := range successors[u] {
			d[v]--
			if d[v] == 0 {
				heap.Push(q, v)
			}
		}
	}
	if seen != len(indeg) {
		return ErrCycleDetected
	}
	return nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
