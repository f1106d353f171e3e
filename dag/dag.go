package dag

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

const defaultMaxActiveRuns = 1

// DAG is an immutable, validated graph of tasks.
// It is safe to share between goroutines and across runs.
type DAG struct {
	id            string
	tasks         []Task
	byID          map[string]int
	downstream    map[string][]string
	order         []string
	schedule      Schedule
	maxActiveRuns int
	catchup       bool
	startDate     time.Time
}

// Option configures a DAG at construction.
type Option func(*buildOptions) error

type buildOptions struct {
	schedule      Schedule
	maxActiveRuns int
	catchup       bool
	startDate     time.Time
}

// WithSchedule sets the recurrence expression. See ParseSchedule.
func WithSchedule(expr string) Option {
	return func(o *buildOptions) error {
		s, err := ParseSchedule(expr)
		if err != nil {
			return err
		}
		o.schedule = s
		return nil
	}
}

// WithMaxActiveRuns limits how many runs of the DAG may be live at once.
// Default is 1.
func WithMaxActiveRuns(n int) Option {
	return func(o *buildOptions) error {
		if n < 1 {
			return fmt.Errorf("max active runs must be at least 1, got %d", n)
		}
		o.maxActiveRuns = n
		return nil
	}
}

// WithCatchup controls whether missed schedule intervals are backfilled.
func WithCatchup(catchup bool) Option {
	return func(o *buildOptions) error {
		o.catchup = catchup
		return nil
	}
}

// WithStartDate sets the earliest logical time the schedule may produce.
func WithStartDate(t time.Time) Option {
	return func(o *buildOptions) error {
		o.startDate = t
		return nil
	}
}

// Build validates the tasks and returns a DAG.
// It fails with *DuplicateTaskError, *UnknownDependencyError or *CycleError when
// the task set is not a valid graph; no DAG is returned on error.
func Build(id string, tasks []Task, opts ...Option) (*DAG, error) {
	if id == "" {
		return nil, fmt.Errorf("dag id is required")
	}

	options := &buildOptions{maxActiveRuns: defaultMaxActiveRuns}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, fmt.Errorf("dag %q: %w", id, err)
		}
	}

	d := &DAG{
		id:            id,
		tasks:         make([]Task, 0, len(tasks)),
		byID:          make(map[string]int, len(tasks)),
		downstream:    make(map[string][]string, len(tasks)),
		schedule:      options.schedule,
		maxActiveRuns: options.maxActiveRuns,
		catchup:       options.catchup,
		startDate:     options.startDate,
	}

	for _, t := range tasks {
		if t.ID == "" {
			return nil, invalidTaskf("task id is required")
		}
		if t.Run == nil {
			return nil, invalidTaskf("task %q has no run function", t.ID)
		}
		if t.RetryPolicy.MaxAttempts < 0 {
			return nil, invalidTaskf("task %q has negative max attempts", t.ID)
		}
		if _, exists := d.byID[t.ID]; exists {
			return nil, &DuplicateTaskError{TaskID: t.ID}
		}

		t.Dependencies = dedupe(t.Dependencies)
		d.byID[t.ID] = len(d.tasks)
		d.tasks = append(d.tasks, t)
	}

	for _, t := range d.tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return nil, &CycleError{Path: []string{t.ID, t.ID}}
			}
			if _, ok := d.byID[dep]; !ok {
				return nil, &UnknownDependencyError{TaskID: t.ID, Dependency: dep}
			}
			d.downstream[dep] = append(d.downstream[dep], t.ID)
		}
	}
	for k := range d.downstream {
		sort.Strings(d.downstream[k])
	}

	order := d.topoSort()
	if len(order) != len(d.tasks) {
		return nil, &CycleError{Path: d.findCycle()}
	}
	d.order = order

	return d, nil
}

// ID returns the DAG identifier.
func (d *DAG) ID() string { return d.id }

// Schedule returns the parsed recurrence.
func (d *DAG) Schedule() Schedule { return d.schedule }

// MaxActiveRuns returns the live run limit.
func (d *DAG) MaxActiveRuns() int { return d.maxActiveRuns }

// Catchup reports whether missed intervals are backfilled.
func (d *DAG) Catchup() bool { return d.catchup }

// StartDate returns the earliest schedulable logical time, zero if unset.
func (d *DAG) StartDate() time.Time { return d.startDate }

// Len returns the number of tasks.
func (d *DAG) Len() int { return len(d.tasks) }

// Task returns the task with the given ID.
func (d *DAG) Task(id string) (Task, bool) {
	i, ok := d.byID[id]
	if !ok {
		return Task{}, false
	}
	return d.tasks[i], true
}

// Tasks returns the tasks in declaration order.
func (d *DAG) Tasks() []Task {
	return slices.Clone(d.tasks)
}

// TopologicalOrder returns task IDs such that every task follows its dependencies.
// Ties are broken by ascending task ID, so the order is stable.
func (d *DAG) TopologicalOrder() []string {
	return slices.Clone(d.order)
}

// Downstream returns the sorted transitive dependents of a task.
func (d *DAG) Downstream(id string) []string {
	seen := make(map[string]bool)
	stack := slices.Clone(d.downstream[id])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, d.downstream[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// topoSort runs Kahn's algorithm, always releasing the smallest ready ID first.
// The result is shorter than the task list when a cycle exists.
func (d *DAG) topoSort() []string {
	indeg := make(map[string]int, len(d.tasks))
	for _, t := range d.tasks {
		indeg[t.ID] = len(t.Dependencies)
	}

	var ready []string
	for _, t := range d.tasks {
		if indeg[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(d.tasks))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		for _, m := range d.downstream[n] {
			indeg[m]--
			if indeg[m] == 0 {
				i, _ := slices.BinarySearch(ready, m)
				ready = slices.Insert(ready, i, m)
			}
		}
	}
	return order
}

// findCycle returns one cycle as a path that starts and ends on the same task.
// Nodes and edges are visited in sorted order so the witness is stable.
func (d *DAG) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	ids := make([]string, 0, len(d.tasks))
	for _, t := range d.tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(ids))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range d.downstream[n] {
			switch color[m] {
			case white:
				if visit(m) {
					return true
				}
			case gray:
				start := slices.Index(stack, m)
				cycle = append(slices.Clone(stack[start:]), m)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			break
		}
	}
	return cycle
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
