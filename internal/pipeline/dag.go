package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
)

// CycleError is raised when the hook dependency graph contains a cycle.
// It is a configuration error: fatal at pipeline construction.
type CycleError struct {
	Hooks []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("hook dependency cycle detected among: %v", e.Hooks)
}

// HookDAG is the dependency graph derived from a list of HookSpecs: hook B
// depends on hook A iff A.Writes ∩ B.Reads ≠ ∅ and A ≠ B.
type HookDAG struct {
	specs          []HookSpec
	byName         map[string]int
	edges          map[string][]string // writer -> readers that depend on it
	indegree       map[string]int
	ExecutionOrder []string
	ParallelGroups [][]string
}

// BuildDAG constructs the dependency graph, runs a topological sort for
// ExecutionOrder, computes ParallelGroups by repeated Kahn peeling, and
// logs non-fatal validation warnings for dangling reads/writes.
func BuildDAG(specs []HookSpec, logger *slog.Logger) (*HookDAG, error) {
	d := &HookDAG{
		specs:    specs,
		byName:   make(map[string]int, len(specs)),
		edges:    make(map[string][]string),
		indegree: make(map[string]int, len(specs)),
	}
	for i, s := range specs {
		if _, dup := d.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate hook name %q", s.Name)
		}
		d.byName[s.Name] = i
		d.indegree[s.Name] = 0
	}

	writers := make(map[string][]string) // key -> hook names that write it
	readers := make(map[string][]string) // key -> hook names that read it
	for _, s := range specs {
		for k := range s.Writes {
			writers[k] = append(writers[k], s.Name)
		}
		for k := range s.Reads {
			readers[k] = append(readers[k], s.Name)
		}
	}

	for _, s := range specs {
		seen := make(map[string]struct{})
		for k := range s.Reads {
			for _, w := range writers[k] {
				if w == s.Name {
					continue
				}
				if _, already := seen[w]; already {
					continue
				}
				seen[w] = struct{}{}
				d.edges[w] = append(d.edges[w], s.Name)
				d.indegree[s.Name]++
			}
		}
	}

	if logger != nil {
		var keys []string
		for k := range readers {
			keys = append(keys, k)
		}
		for k := range writers {
			if _, ok := readers[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(readers[k]) > 0 && len(writers[k]) == 0 {
				logger.Warn("hook reads key with no writer", "key", k, "readers", readers[k])
			}
			if len(writers[k]) > 0 && len(readers[k]) == 0 {
				logger.Warn("hook writes key with no reader", "key", k, "writers", writers[k])
			}
		}
	}

	order, groups, err := kahn(specs, d.indegree, d.edges)
	if err != nil {
		return nil, err
	}
	d.ExecutionOrder = order
	d.ParallelGroups = groups
	return d, nil
}

// kahn runs Kahn's algorithm twice: once for a stable linear order, once
// peeling ready-sets to produce parallel_groups (informational only, per
// spec: pipeline execution itself is strictly sequential in ExecutionOrder).
func kahn(specs []HookSpec, indegree map[string]int, edges map[string][]string) ([]string, [][]string, error) {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}

	linear, err := kahnLinear(names, cloneIndegree(indegree), edges)
	if err != nil {
		return nil, nil, err
	}

	groups, err := kahnGroups(names, cloneIndegree(indegree), edges)
	if err != nil {
		return nil, nil, err
	}
	return linear, groups, nil
}

func cloneIndegree(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// kahnLinear produces one stable topological order: at each step, the
// lowest-named ready hook is emitted, keeping repeated invocations
// deterministic.
func kahnLinear(names []string, indegree map[string]int, edges map[string][]string) ([]string, error) {
	var ready []string
	for _, n := range names {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	var order []string
	remaining := len(names)
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		remaining--
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if remaining > 0 {
		return nil, cycleErrorFrom(indegree)
	}
	return order, nil
}

// kahnGroups produces successive ready-sets: each group is every hook
// whose dependencies are already satisfied, processed together, then
// marked done before computing the next group.
func kahnGroups(names []string, indegree map[string]int, edges map[string][]string) ([][]string, error) {
	done := make(map[string]struct{}, len(names))
	var groups [][]string
	for len(done) < len(names) {
		var group []string
		for _, n := range names {
			if _, ok := done[n]; ok {
				continue
			}
			if indegree[n] == 0 {
				group = append(group, n)
			}
		}
		if len(group) == 0 {
			return nil, cycleErrorFrom(indegree)
		}
		sort.Strings(group)
		groups = append(groups, group)
		for _, n := range group {
			done[n] = struct{}{}
			for _, next := range edges[n] {
				indegree[next]--
			}
		}
	}
	return groups, nil
}

func cycleErrorFrom(indegree map[string]int) error {
	var remaining []string
	for n, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, n)
		}
	}
	sort.Strings(remaining)
	return &CycleError{Hooks: remaining}
}
