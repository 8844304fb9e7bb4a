package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/portlink/backend/daemon/protocol"
)

func testPolicy() Policy {
	return Policy{
		Tiers: map[protocol.Priority]TierPolicy{
			protocol.PriorityHigh:   {MaxRetries: 5, RetryInterval: 5 * time.Millisecond, MinWorkers: 1, MaxWorkers: 4},
			protocol.PriorityMedium: {MaxRetries: 3, RetryInterval: 10 * time.Millisecond, MinWorkers: 1, MaxWorkers: 2},
			protocol.PriorityLow:    {MaxRetries: 1, RetryInterval: 15 * time.Millisecond, MinWorkers: 1, MaxWorkers: 1},
		},
		MonitorInterval: 10 * time.Millisecond,
		QueueThreshold:  8,
		QueueDepth:      1024,
	}
}

func msgAt(pr protocol.Priority, seq uint32) *protocol.Message {
	return &protocol.Message{InfoType: protocol.InfoCTSNormal, SeqNum: seq, Priority: pr, TargetID: "t1"}
}

func TestPool_ProcessesEnvelopes(t *testing.T) {
	var processed atomic.Int32
	p := NewPool("test", testPolicy(), func(ctx context.Context, env *Envelope) Result {
		processed.Add(1)
		return Ok
	}, nil, nil)
	p.Start()
	defer p.Stop(time.Second)

	for i := uint32(1); i <= 50; i++ {
		if err := p.Enqueue(NewEnvelope(msgAt(protocol.PriorityMedium, i))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for processed.Load() != 50 {
		select {
		case <-deadline:
			t.Fatalf("processed %d of 50", processed.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPool_FIFOWithinTierSingleWriter(t *testing.T) {
	var mu sync.Mutex
	var order []uint32

	policy := testPolicy()
	// One worker keeps consumption serial so arrival order is observable.
	policy.Tiers[protocol.PriorityHigh] = TierPolicy{MaxRetries: 5, RetryInterval: time.Millisecond, MinWorkers: 1, MaxWorkers: 1}

	p := NewPool("test", policy, func(ctx context.Context, env *Envelope) Result {
		mu.Lock()
		order = append(order, env.Msg.SeqNum)
		mu.Unlock()
		return Ok
	}, nil, nil)
	p.Start()

	for i := uint32(1); i <= 100; i++ {
		if err := p.Enqueue(NewEnvelope(msgAt(protocol.PriorityHigh, i))); err != nil {
			t.Fatal(err)
		}
	}
	p.Stop(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 100 {
		t.Fatalf("processed %d of 100", len(order))
	}
	for i, seq := range order {
		if seq != uint32(i+1) {
			t.Fatalf("order broken at %d: got seq %d", i, seq)
		}
	}
}

func TestPool_WorkerBoundsHold(t *testing.T) {
	block := make(chan struct{})
	p := NewPool("test", testPolicy(), func(ctx context.Context, env *Envelope) Result {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return Ok
	}, nil, nil)
	p.Start()
	defer p.Stop(time.Second)

	// Flood HIGH to force scale-up.
	for i := uint32(0); i < 200; i++ {
		_ = p.Enqueue(NewEnvelope(msgAt(protocol.PriorityHigh, i+1)))
	}

	high := testPolicy().Tiers[protocol.PriorityHigh]
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n := p.ActiveWorkers(protocol.PriorityHigh)
		if n < high.MinWorkers || n > high.MaxWorkers {
			t.Fatalf("worker count %d outside [%d,%d]", n, high.MinWorkers, high.MaxWorkers)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := p.ActiveWorkers(protocol.PriorityHigh); n != high.MaxWorkers {
		t.Errorf("expected scale-up to max %d, at %d", high.MaxWorkers, n)
	}
	close(block)
}

func TestPool_ScalesBackToMin(t *testing.T) {
	p := NewPool("test", testPolicy(), func(ctx context.Context, env *Envelope) Result {
		return Ok
	}, nil, nil)
	p.Start()
	defer p.Stop(time.Second)

	for i := uint32(0); i < 200; i++ {
		_ = p.Enqueue(NewEnvelope(msgAt(protocol.PriorityHigh, i+1)))
	}

	high := testPolicy().Tiers[protocol.PriorityHigh]
	deadline := time.After(2 * time.Second)
	for p.ActiveWorkers(protocol.PriorityHigh) != high.MinWorkers {
		select {
		case <-deadline:
			t.Fatalf("did not shrink to min, at %d", p.ActiveWorkers(protocol.PriorityHigh))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	var processed atomic.Int32
	p := NewPool("test", testPolicy(), func(ctx context.Context, env *Envelope) Result {
		if env.Msg.SeqNum == 1 {
			panic("boom")
		}
		processed.Add(1)
		return Ok
	}, nil, nil)
	p.Start()

	_ = p.Enqueue(NewEnvelope(msgAt(protocol.PriorityLow, 1)))
	_ = p.Enqueue(NewEnvelope(msgAt(protocol.PriorityLow, 2)))
	p.Stop(time.Second)

	if processed.Load() != 1 {
		t.Fatalf("worker died after panic: processed %d", processed.Load())
	}
}

func TestPool_EnqueueAfterStopFails(t *testing.T) {
	p := NewPool("test", testPolicy(), func(ctx context.Context, env *Envelope) Result {
		return Ok
	}, nil, nil)
	p.Start()
	p.Stop(100 * time.Millisecond)

	if err := p.Enqueue(NewEnvelope(msgAt(protocol.PriorityHigh, 1))); err != ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestPool_StopDrainsQueued(t *testing.T) {
	var processed atomic.Int32
	p := NewPool("test", testPolicy(), func(ctx context.Context, env *Envelope) Result {
		processed.Add(1)
		return Ok
	}, nil, nil)
	p.Start()

	for i := uint32(1); i <= 30; i++ {
		_ = p.Enqueue(NewEnvelope(msgAt(protocol.PriorityMedium, i)))
	}
	p.Stop(2 * time.Second)

	if processed.Load() != 30 {
		t.Fatalf("drain incomplete: %d of 30", processed.Load())
	}
}
