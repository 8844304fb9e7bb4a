package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portlink/backend/daemon/protocol"
	"github.com/portlink/backend/internal/observability"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Handler processes one envelope to completion and reports the outcome.
// Handlers run on pool workers and must honor ctx cancellation at their
// blocking points.
type Handler func(ctx context.Context, env *Envelope) Result

// Pool runs three priority tiers, each with its own queue and elastic worker
// set. There is no work stealing between tiers; HIGH gets more workers, not
// preemption.
type Pool struct {
	name    string
	policy  Policy
	handler Handler
	logger  *observability.Logger
	metrics *observability.Metrics

	tiers map[protocol.Priority]*tier

	ctx      context.Context
	cancel   context.CancelFunc
	draining chan struct{}
	closed   atomic.Bool

	retrier *Retrier

	wg        sync.WaitGroup
	monitorWG sync.WaitGroup
}

type tier struct {
	priority protocol.Priority
	policy   TierPolicy
	queue    chan *Envelope

	mu      sync.Mutex
	cancels []context.CancelFunc
	active  atomic.Int32
}

// NewPool creates a stopped pool. name labels logs and metrics ("inbound",
// "outbound").
func NewPool(name string, policy Policy, handler Handler, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		policy:   policy,
		handler:  handler,
		logger:   logger,
		metrics:  metrics,
		tiers:    make(map[protocol.Priority]*tier, 3),
		ctx:      ctx,
		cancel:   cancel,
		draining: make(chan struct{}),
	}
	for _, pr := range []protocol.Priority{protocol.PriorityHigh, protocol.PriorityMedium, protocol.PriorityLow} {
		p.tiers[pr] = &tier{
			priority: pr,
			policy:   policy.Tier(pr),
			queue:    make(chan *Envelope, policy.QueueDepth),
		}
	}
	return p
}

// AttachRetrier wires the retry controller consulted on Transient results.
// Must be called before Start.
func (p *Pool) AttachRetrier(r *Retrier) {
	p.retrier = r
}

// Start spawns each tier's minimum worker set and the resize monitor.
func (p *Pool) Start() {
	for _, t := range p.tiers {
		p.resize(t, t.policy.MinWorkers)
	}
	p.monitorWG.Add(1)
	go p.monitor()
}

// Enqueue schedules an envelope on its priority tier. Blocks when the tier
// queue is at its configured depth; fails once the pool is stopping.
func (p *Pool) Enqueue(env *Envelope) error {
	if p.closed.Load() {
		return ErrPoolStopped
	}
	t := p.tiers[p.tierKey(env.Priority)]
	select {
	case t.queue <- env:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

func (p *Pool) tierKey(pr protocol.Priority) protocol.Priority {
	if _, ok := p.tiers[pr]; ok {
		return pr
	}
	return protocol.PriorityLow
}

// ActiveWorkers returns the live worker count of one tier.
func (p *Pool) ActiveWorkers(pr protocol.Priority) int {
	return int(p.tiers[p.tierKey(pr)].active.Load())
}

// QueueDepth returns the queued envelope count of one tier.
func (p *Pool) QueueDepth(pr protocol.Priority) int {
	return len(p.tiers[p.tierKey(pr)].queue)
}

// Stop shuts the pool down in two phases: intake closes immediately, then
// workers get up to grace to drain their queues before the hard cancel.
func (p *Pool) Stop(grace time.Duration) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.draining)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
	p.cancel()
	<-done
	p.monitorWG.Wait()
}

// resize grows or shrinks a tier to the target worker count. Shrinks signal
// the most recent workers; each finishes its current item before exiting.
func (p *Pool) resize(t *tier, target int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := len(t.cancels)
	for len(t.cancels) < target {
		wctx, wcancel := context.WithCancel(p.ctx)
		t.cancels = append(t.cancels, wcancel)
		t.active.Add(1)
		p.wg.Add(1)
		go p.worker(t, wctx)
	}
	for len(t.cancels) > target {
		last := len(t.cancels) - 1
		t.cancels[last]()
		t.cancels = t.cancels[:last]
	}
	if before != target && p.logger != nil {
		p.logger.WorkersScaled(p.name, t.priority.String(), before, target, len(t.queue))
	}
}

func (p *Pool) monitor() {
	defer p.monitorWG.Done()
	ticker := time.NewTicker(p.policy.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.draining:
			return
		case <-ticker.C:
			for _, t := range p.tiers {
				p.adjust(t)
				if p.metrics != nil {
					p.metrics.SetPoolGauges(p.name, t.priority.String(), int(t.active.Load()), len(t.queue))
				}
			}
		}
	}
}

func (p *Pool) adjust(t *tier) {
	depth := len(t.queue)
	t.mu.Lock()
	count := len(t.cancels)
	t.mu.Unlock()

	switch {
	case depth > p.policy.QueueThreshold && count < t.policy.MaxWorkers:
		grow := count + 2
		if grow > t.policy.MaxWorkers {
			grow = t.policy.MaxWorkers
		}
		p.resize(t, grow)
	case count > t.policy.MinWorkers && depth < p.policy.QueueThreshold/2:
		p.resize(t, t.policy.MinWorkers)
	}
}

func (p *Pool) worker(t *tier, wctx context.Context) {
	defer p.wg.Done()
	defer t.active.Add(-1)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-wctx.Done():
			return
		case env := <-t.queue:
			p.process(t, env)
		case <-p.draining:
			for {
				select {
				case env := <-t.queue:
					p.process(t, env)
				case <-p.ctx.Done():
					return
				default:
					return
				}
			}
		}
	}
}

// process runs the handler with panic isolation and routes the result to the
// retry controller.
func (p *Pool) process(t *tier, env *Envelope) {
	res := p.invoke(env)
	switch res {
	case Transient:
		if p.retrier != nil {
			p.retrier.Schedule(env)
		}
	case Fatal:
		if p.logger != nil {
			p.logger.FrameRejected(env.ClientID, "fatal handler result", nil)
		}
	}
}

func (p *Pool) invoke(env *Envelope) (res Result) {
	defer func() {
		if v := recover(); v != nil {
			if p.logger != nil {
				p.logger.HandlerPanic(p.name, env.Priority.String(), v)
			}
			if p.metrics != nil {
				p.metrics.HandlerPanics.WithLabelValues(p.name).Inc()
			}
			res = Fatal
		}
	}()
	return p.handler(p.ctx, env)
}
