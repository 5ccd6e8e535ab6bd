// Package query implements the Query component (spec §4.9): composable
// predicate search over Tasks — by Pipe identity (with argument filters),
// ancestors/descendants over the Task dataflow graph, and
// produced-by ∧ argument-contains — combined with AND/OR/NOT.
//
// Grounded on internal/dag/executor.go's downstreamReachable (a
// deterministic min-heap BFS over canonical node indices), generalized
// from a statically-declared TaskGraph of named nodes to the Store's
// on-demand GetProducingTask/GetConsumers edges, since the query graph
// here is the full persisted Task history rather than one in-memory batch.
package query

import (
	"container/heap"
	"errors"
	"sort"

	"pipeweave/internal/model"
	"pipeweave/internal/store"
)

// Engine answers predicate-driven searches over a Store (spec §4.9).
type Engine struct {
	store *store.Store
}

// New constructs a query Engine over s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Predicate selects a set of Task ids. Predicates compose via And/Or/Not.
type Predicate func(e *Engine) (map[model.ID]bool, error)

// allTasks returns every persisted Task, used as the universe for Not.
func (e *Engine) allTasks() ([]*model.Task, error) {
	var tasks []*model.Task
	err := e.store.ForEachTask(func(t *model.Task) error {
		cp := *t
		tasks = append(tasks, &cp)
		return nil
	})
	return tasks, err
}

// ByPipe selects Tasks whose PipeID is in pipeIDs. If argFilter is non-nil,
// it is additionally applied to each candidate Task's Args and must return
// true for the Task to be selected (spec §4.9 "by Pipe identity ... with
// optional argument-position / argument-value filters").
func ByPipe(pipeIDs []model.ID, argFilter func(model.Args) bool) Predicate {
	want := make(map[model.ID]bool, len(pipeIDs))
	for _, id := range pipeIDs {
		want[id] = true
	}
	return func(e *Engine) (map[model.ID]bool, error) {
		tasks, err := e.allTasks()
		if err != nil {
			return nil, err
		}
		out := make(map[model.ID]bool)
		for _, t := range tasks {
			if !want[t.PipeID] {
				continue
			}
			if argFilter != nil && !argFilter(t.Args) {
				continue
			}
			out[t.ID] = true
		}
		return out, nil
	}
}

// ArgPosition returns an argFilter that requires the positional argument at
// idx to be a literal equal to want (by ==), for use with ByPipe.
func ArgPosition(idx int, want any) func(model.Args) bool {
	return func(args model.Args) bool {
		pos := 0
		for _, a := range args {
			if a.Name != "" {
				continue
			}
			if pos == idx {
				return a.Kind == model.ArgLiteral && a.Literal == want
			}
			pos++
		}
		return false
	}
}

// Ancestors selects every Task that transitively produced an input node
// consumed by node (spec §4.9 ancestors(node)): walk node's producing Task,
// then that Task's own input nodes' producing Tasks, and so on.
func Ancestors(node model.ID) Predicate {
	return func(e *Engine) (map[model.ID]bool, error) {
		out := make(map[model.ID]bool)
		visitedNodes := map[model.ID]bool{node: true}
		frontier := []model.ID{node}
		for len(frontier) > 0 {
			var next []model.ID
			for _, n := range frontier {
				task, err := e.store.GetProducingTask(n)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						continue
					}
					return nil, err
				}
				if out[task.ID] {
					continue
				}
				out[task.ID] = true
				for _, a := range task.Args {
					var inputNode model.ID
					switch a.Kind {
					case model.ArgResource:
						inputNode = a.ResourceID
					case model.ArgFileResource:
						inputNode = a.FileResourceID
					default:
						continue
					}
					if inputNode.Empty() || visitedNodes[inputNode] {
						continue
					}
					visitedNodes[inputNode] = true
					next = append(next, inputNode)
				}
			}
			frontier = next
		}
		return out, nil
	}
}

// Descendants selects every Task reachable by following "consumes an
// output of" edges forward from any of the given starting nodes (spec
// §4.9 descendants(node)), deterministically ordered via a min-heap over
// node ids so the traversal order does not depend on map iteration.
func Descendants(nodes ...model.ID) Predicate {
	return func(e *Engine) (map[model.ID]bool, error) {
		out := make(map[model.ID]bool)
		visitedNodes := make(map[model.ID]bool)
		h := &idMinHeap{}
		heap.Init(h)
		for _, n := range nodes {
			if !visitedNodes[n] {
				visitedNodes[n] = true
				heap.Push(h, n)
			}
		}
		for h.Len() > 0 {
			n := heap.Pop(h).(model.ID)
			consumerIDs, err := e.store.GetConsumers(n)
			if err != nil {
				return nil, err
			}
			sort.Slice(consumerIDs, func(i, j int) bool { return consumerIDs[i] < consumerIDs[j] })
			for _, taskID := range consumerIDs {
				if out[taskID] {
					continue
				}
				out[taskID] = true
				task, err := e.store.GetTask(taskID)
				if err != nil {
					return nil, err
				}
				for _, o := range task.Outputs {
					outNode := o.NodeID()
					if outNode.Empty() || visitedNodes[outNode] {
						continue
					}
					visitedNodes[outNode] = true
					heap.Push(h, outNode)
				}
			}
		}
		return out, nil
	}
}

// ArgumentContains selects Tasks whose bound arguments reference every node
// in nodes (spec §4.9 "argument-contains(node-set)").
func ArgumentContains(nodes ...model.ID) Predicate {
	return func(e *Engine) (map[model.ID]bool, error) {
		tasks, err := e.allTasks()
		if err != nil {
			return nil, err
		}
		out := make(map[model.ID]bool)
		for _, t := range tasks {
			refs := make(map[model.ID]bool)
			for _, a := range t.Args {
				switch a.Kind {
				case model.ArgResource:
					refs[a.ResourceID] = true
				case model.ArgFileResource:
					refs[a.FileResourceID] = true
				}
			}
			all := true
			for _, n := range nodes {
				if !refs[n] {
					all = false
					break
				}
			}
			if all {
				out[t.ID] = true
			}
		}
		return out, nil
	}
}

// And intersects predicates.
func And(preds ...Predicate) Predicate {
	return func(e *Engine) (map[model.ID]bool, error) {
		var acc map[model.ID]bool
		for _, p := range preds {
			set, err := p(e)
			if err != nil {
				return nil, err
			}
			if acc == nil {
				acc = set
				continue
			}
			for id := range acc {
				if !set[id] {
					delete(acc, id)
				}
			}
		}
		return acc, nil
	}
}

// Or unions predicates.
func Or(preds ...Predicate) Predicate {
	return func(e *Engine) (map[model.ID]bool, error) {
		acc := make(map[model.ID]bool)
		for _, p := range preds {
			set, err := p(e)
			if err != nil {
				return nil, err
			}
			for id := range set {
				acc[id] = true
			}
		}
		return acc, nil
	}
}

// Not complements pred against the full set of persisted Tasks.
func Not(pred Predicate) Predicate {
	return func(e *Engine) (map[model.ID]bool, error) {
		set, err := pred(e)
		if err != nil {
			return nil, err
		}
		tasks, err := e.allTasks()
		if err != nil {
			return nil, err
		}
		out := make(map[model.ID]bool)
		for _, t := range tasks {
			if !set[t.ID] {
				out[t.ID] = true
			}
		}
		return out, nil
	}
}

// Search evaluates pred and returns matching Task ids in sorted order for
// a stable, reproducible result (spec §4.9 search(predicate) → ids).
func (e *Engine) Search(pred Predicate) ([]model.ID, error) {
	set, err := pred(e)
	if err != nil {
		return nil, err
	}
	ids := make([]model.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type idMinHeap []model.ID

func (h idMinHeap) Len() int           { return len(h) }
func (h idMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idMinHeap) Push(x any)        { *h = append(*h, x.(model.ID)) }
func (h *idMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
