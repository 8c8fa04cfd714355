package pipeline

import (
	"context"
	"sync"

	"go-video-pipeline/internal/model"
)

// ViewOption customizes a Views instance.
type ViewOption func(*Views)

// WithResultHook runs fn inside the fold for every terminal result, in
// delivery order. Used by hosts to persist or count results.
func WithResultHook(fn func(model.Result)) ViewOption {
	return func(v *Views) { v.resultHooks = append(v.resultHooks, fn) }
}

// WithFaultHook runs fn inside the fold for every orchestrator fault.
func WithFaultHook(fn func(error)) ViewOption {
	return func(v *Views) { v.faultHooks = append(v.faultHooks, fn) }
}

// WithProgressHook runs fn inside the fold for every progress event.
func WithProgressHook(fn func(model.ProgressEvent)) ViewOption {
	return func(v *Views) { v.progressHooks = append(v.progressHooks, fn) }
}

// Views folds a pipeline's three streams into read-only projections:
// status counts, completed results in completion order, faults, and the
// latest progress per in-flight item. One fold goroutine owns all three
// streams, so every accessor sees a whole number of applied events.
type Views struct {
	p *Pipeline

	mu        sync.RWMutex
	statuses  map[string]model.Status
	counts    map[model.Status]int
	completed []model.Result
	failed    []model.Result
	faults    []error
	active    map[string]model.ProgressEvent

	updates chan struct{}
	done    chan struct{}

	resultHooks   []func(model.Result)
	faultHooks    []func(error)
	progressHooks []func(model.ProgressEvent)
}

// NewViews attaches projections to p and starts the fold. Views becomes the
// single consumer of p's streams; read everything through it.
func NewViews(p *Pipeline, opts ...ViewOption) *Views {
	v := &Views{
		p:        p,
		statuses: make(map[string]model.Status),
		counts:   make(map[model.Status]int),
		active:   make(map[string]model.ProgressEvent),
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	go v.fold()
	return v
}

func (v *Views) fold() {
	defer close(v.done)
	defer close(v.updates)

	results := v.p.Results()
	errs := v.p.Errors()
	progress := v.p.Progress()

	for results != nil || errs != nil || progress != nil {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			v.applyResult(r)
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			v.applyFault(e)
		case ev, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			v.applyProgress(ev)
		}
	}
	v.sweep()
}

func (v *Views) applyResult(r model.Result) {
	v.mu.Lock()
	if r.Failed() {
		v.setStatus(r.ItemID, model.StatusFailed())
		v.failed = append(v.failed, r)
	} else {
		v.setStatus(r.ItemID, model.StatusCompleted())
		v.completed = append(v.completed, r)
	}
	delete(v.active, r.ItemID)
	v.mu.Unlock()

	for _, h := range v.resultHooks {
		h(r)
	}
	v.tick()
}

func (v *Views) applyFault(err error) {
	v.mu.Lock()
	v.faults = append(v.faults, err)
	v.mu.Unlock()

	for _, h := range v.faultHooks {
		h(err)
	}
	v.tick()
}

func (v *Views) applyProgress(ev model.ProgressEvent) {
	v.mu.Lock()
	cur, seen := v.statuses[ev.ItemID]
	if !seen || !cur.Terminal() {
		// Progress can arrive after the result on a different channel;
		// never regress a status.
		if next := model.StatusRunning(ev.Stage); !seen || cur.Before(next) {
			v.setStatus(ev.ItemID, next)
		}
		if ev.Percent >= 100 {
			delete(v.active, ev.ItemID)
		} else {
			v.active[ev.ItemID] = ev
		}
	}
	v.mu.Unlock()

	for _, h := range v.progressHooks {
		h(ev)
	}
	v.tick()
}

// setStatus moves an item between count buckets. Callers hold v.mu.
func (v *Views) setStatus(id string, s model.Status) {
	if cur, ok := v.statuses[id]; ok {
		v.counts[cur]--
		if v.counts[cur] <= 0 {
			delete(v.counts, cur)
		}
	}
	v.statuses[id] = s
	v.counts[s]++
}

// sweep drops non-terminal leftovers once the streams closed; they are the
// items cancellation discarded between stages.
func (v *Views) sweep() {
	v.mu.Lock()
	for id, s := range v.statuses {
		if !s.Terminal() {
			v.counts[s]--
			if v.counts[s] <= 0 {
				delete(v.counts, s)
			}
			delete(v.statuses, id)
			delete(v.active, id)
		}
	}
	v.mu.Unlock()
}

func (v *Views) tick() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// Updates signals (conflated) that the fold applied at least one event.
// Consumers pull Snapshot at their own pace; the channel closes when the
// fold ends.
func (v *Views) Updates() <-chan struct{} { return v.updates }

// Wait blocks until the fold has drained all streams or ctx ends.
func (v *Views) Wait(ctx context.Context) error {
	select {
	case <-v.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusCounts returns how many items sit in each status. Items accepted by
// Submit but not yet admitted to stage 0 count as pending.
func (v *Views) StatusCounts() map[model.Status]int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.statusCountsLocked()
}

func (v *Views) statusCountsLocked() map[model.Status]int {
	out := make(map[model.Status]int, len(v.counts)+1)
	for s, n := range v.counts {
		out[s] = n
	}
	if pending := v.p.Submitted() - v.p.Discarded() - len(v.statuses); pending > 0 {
		out[model.StatusPending()] = pending
	}
	return out
}

// CompletedResults returns successful results in completion order.
func (v *Views) CompletedResults() []model.Result {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Result, len(v.completed))
	copy(out, v.completed)
	return out
}

// FailedResults returns failed results in completion order.
func (v *Views) FailedResults() []model.Result {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Result, len(v.failed))
	copy(out, v.failed)
	return out
}

// Faults returns the orchestrator-level faults observed so far.
func (v *Views) Faults() []error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]error, len(v.faults))
	copy(out, v.faults)
	return out
}

// ActiveProgress returns the latest progress event per in-flight item.
// Entries disappear at 100 percent or on a terminal status.
func (v *Views) ActiveProgress() map[string]model.ProgressEvent {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]model.ProgressEvent, len(v.active))
	for id, ev := range v.active {
		out[id] = ev
	}
	return out
}

// Snapshot returns a read-only copy of all projections, consistent with one
// point in the fold.
func (v *Views) Snapshot() model.Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap := model.Snapshot{
		Counts:    v.statusCountsLocked(),
		Completed: make([]model.Result, len(v.completed)),
		Failed:    make([]model.Result, len(v.failed)),
		Faults:    make([]string, len(v.faults)),
		Active:    make(map[string]model.ProgressEvent, len(v.active)),
		Submitted: v.p.Submitted(),
		Discarded: v.p.Discarded(),
	}
	copy(snap.Completed, v.completed)
	copy(snap.Failed, v.failed)
	for i, err := range v.faults {
		snap.Faults[i] = err.Error()
	}
	for id, ev := range v.active {
		snap.Active[id] = ev
	}
	select {
	case <-v.done:
		snap.Done = true
	default:
	}
	return snap
}
