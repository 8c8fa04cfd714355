package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"go-video-pipeline/internal/model"
)

// Pipeline chains stages into one bounded-concurrency flow. Successes of
// stage i feed stage i+1; a failure at any stage short-circuits the item to
// the terminal results stream. All state is owned by the instance, so any
// number of pipelines coexist in one process.
type Pipeline struct {
	cfg    Config
	stages []*stage

	runCtx context.Context
	abort  context.CancelFunc

	intakeMu     sync.Mutex
	intakeQueue  []model.Item
	intakeClosed bool
	wake         chan struct{}

	resultsCh  chan model.Result
	errorsCh   chan error
	progressCh chan model.ProgressEvent
	done       chan struct{}

	stageWG sync.WaitGroup

	submitted atomic.Int64
	discarded atomic.Int64
}

// New validates cfg, wires the stage channels, and starts the stage
// goroutines. The pipeline is accepting items when New returns.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
		resultsCh:  make(chan model.Result, cfg.BufferSize),
		errorsCh:   make(chan error, cfg.BufferSize),
		progressCh: make(chan model.ProgressEvent, cfg.BufferSize*4),
		done:       make(chan struct{}),
	}
	p.runCtx, p.abort = context.WithCancel(context.Background())

	p.stages = make([]*stage, len(cfg.Stages))
	for i, spec := range cfg.Stages {
		limiter, err := NewLimiter(spec.MaxConcurrency)
		if err != nil {
			return nil, err
		}
		p.stages[i] = &stage{
			index:   i,
			spec:    spec,
			limiter: limiter,
			in:      make(chan model.Item, cfg.BufferSize),
		}
	}
	for i := 0; i < len(p.stages)-1; i++ {
		p.stages[i].out = p.stages[i+1].in
	}

	p.stageWG.Add(len(p.stages))
	for _, st := range p.stages {
		go p.runStage(st)
	}
	go p.pump()

	// Close the terminal streams only after every stage has drained.
	go func() {
		p.stageWG.Wait()
		close(p.resultsCh)
		close(p.errorsCh)
		close(p.progressCh)
		close(p.done)
	}()

	return p, nil
}

// Submit enqueues an item at stage 0 and returns immediately; the intake
// queue is unbounded, so saturated stages never block the caller. An empty
// ID gets a generated one. Returns ErrPipelineClosed after Close or Cancel.
func (p *Pipeline) Submit(item model.Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.SubmittedAt.IsZero() {
		item.SubmittedAt = p.cfg.Clock.Now()
	}
	item.Status = model.StatusPending()

	p.intakeMu.Lock()
	if p.intakeClosed {
		p.intakeMu.Unlock()
		return ErrPipelineClosed
	}
	p.intakeQueue = append(p.intakeQueue, item)
	// Count inside the lock: pump cannot see the item before unlock, so a
	// result can never be folded ahead of the submitted counter.
	p.submitted.Add(1)
	p.intakeMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Results is the lazy terminal stream: exactly one Result per item that
// reaches a terminal state, in completion order. Single consumer; it must
// drain until close (wrap the pipeline in Views when several readers need
// the data).
func (p *Pipeline) Results() <-chan model.Result { return p.resultsCh }

// Errors carries orchestrator-level faults (panics, degradations). Item
// failures are Results, not errors. Faults are dropped with a log line when
// nobody is reading.
func (p *Pipeline) Errors() <-chan error { return p.errorsCh }

// Progress carries per-item progress events from all stages. Events for an
// item supersede each other; the stream drops under consumer lag.
func (p *Pipeline) Progress() <-chan model.ProgressEvent { return p.progressCh }

// Done is closed once every stage has drained and the streams are closed.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Close stops intake. Everything already submitted still runs to a terminal
// result; the streams close after the last item drains.
func (p *Pipeline) Close() {
	p.closeIntake()
}

// Cancel stops intake and abandons queued work. In-flight transforms are
// never interrupted mid-flight; items parked between stages are discarded
// and counted. The streams close once the drain completes.
func (p *Pipeline) Cancel() {
	p.closeIntake()
	p.abort()
}

func (p *Pipeline) closeIntake() {
	p.intakeMu.Lock()
	p.intakeClosed = true
	p.intakeMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Submitted returns how many items were accepted by Submit.
func (p *Pipeline) Submitted() int { return int(p.submitted.Load()) }

// Discarded returns how many items were dropped by cancellation before
// reaching a terminal state.
func (p *Pipeline) Discarded() int { return int(p.discarded.Load()) }

// StageNames returns the configured stage names in order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.spec.Name
	}
	return names
}

// pump moves intake batches into stage 0. Only pump closes stage 0's in
// channel.
func (p *Pipeline) pump() {
	defer close(p.stages[0].in)
	for {
		p.intakeMu.Lock()
		batch := p.intakeQueue
		p.intakeQueue = nil
		closed := p.intakeClosed
		p.intakeMu.Unlock()

		for i, item := range batch {
			select {
			case p.stages[0].in <- item:
			case <-p.runCtx.Done():
				p.discardAll(batch[i:])
				p.drainIntake()
				return
			}
		}
		if closed {
			return
		}

		select {
		case <-p.wake:
		case <-p.runCtx.Done():
			p.drainIntake()
			return
		}
	}
}

func (p *Pipeline) drainIntake() {
	p.intakeMu.Lock()
	rest := p.intakeQueue
	p.intakeQueue = nil
	p.intakeMu.Unlock()
	p.discardAll(rest)
}

func (p *Pipeline) discardAll(items []model.Item) {
	for _, item := range items {
		p.discardOne(item)
	}
}

func (p *Pipeline) discardOne(item model.Item) {
	p.discarded.Add(1)
	p.cfg.Logger.Debug("discarding item", "item", item.ID, "status", item.Status.String())
}

// deliver publishes a terminal result. The send blocks until the consumer
// takes it; Results is a lazy stream, not a bus.
func (p *Pipeline) deliver(res model.Result) {
	p.resultsCh <- res
}

func (p *Pipeline) fault(st *stage, itemID string, err error) {
	f := &Fault{Stage: st.index, StageName: st.spec.Name, ItemID: itemID, Err: err}
	p.cfg.Logger.Error("stage fault", "stage", st.spec.Name, "item", itemID, "error", err)
	select {
	case p.errorsCh <- f:
	default:
	}
}
