package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/portlink/backend/daemon/protocol"
	"github.com/portlink/backend/internal/observability"
)

// Retrier re-enqueues envelopes whose send failed, within the per-priority
// retry budget. Exhausted envelopes are parked in the resume queue keyed by
// their wire target and leave active flow.
type Retrier struct {
	policy  Policy
	resume  *ResumeQueue
	enqueue func(*Envelope) error
	logger  *observability.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetrier builds a retry controller feeding envelopes back through
// enqueue. resume may be nil, in which case exhausted envelopes are dropped.
func NewRetrier(policy Policy, resume *ResumeQueue, enqueue func(*Envelope) error, logger *observability.Logger, metrics *observability.Metrics) *Retrier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{
		policy:  policy,
		resume:  resume,
		enqueue: enqueue,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule decides the fate of a failed envelope. Acknowledgments and
// file-complete notifications are best-effort and never retried.
func (r *Retrier) Schedule(env *Envelope) {
	if env.Msg.InfoType == protocol.InfoAck || env.Msg.IsFileComplete() {
		return
	}

	tier := r.policy.Tier(env.Priority)
	env.RetryCount++
	if env.RetryCount >= tier.MaxRetries {
		// The budget bounds total failed sends; the last failure parks the
		// envelope instead of burning another attempt.
		r.park(env)
		return
	}

	if r.metrics != nil {
		r.metrics.RetriesTotal.WithLabelValues(env.Priority.String()).Inc()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(tier.RetryInterval)
		defer timer.Stop()
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		}
		if err := r.enqueue(env); err != nil && r.logger != nil {
			r.logger.Error(err, "retry re-enqueue failed")
		}
	}()
}

func (r *Retrier) park(env *Envelope) {
	if r.logger != nil {
		r.logger.EnvelopeParked(env.Msg.TargetID, env.Priority.String(), env.RetryCount)
	}
	if r.metrics != nil {
		r.metrics.EnvelopesParked.WithLabelValues(env.Priority.String()).Inc()
	}
	if r.resume == nil {
		return
	}
	if err := r.resume.Park(env.Msg.TargetID, env); err != nil && r.logger != nil {
		r.logger.Error(err, "resume queue park failed")
	}
}

// Redeliver drains a target's parked envelopes back into active flow with a
// fresh retry budget. Called when the target's uniqueId rebinds.
func (r *Retrier) Redeliver(targetID string) int {
	if r.resume == nil {
		return 0
	}
	envs, err := r.resume.Drain(targetID)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(err, "resume queue drain failed")
		}
		return 0
	}
	n := 0
	for _, env := range envs {
		env.RetryCount = 0
		if err := r.enqueue(env); err != nil {
			break
		}
		if r.metrics != nil {
			r.metrics.EnvelopesResumed.WithLabelValues(env.Priority.String()).Inc()
		}
		n++
	}
	return n
}

// Stop wakes every pending retry sleep; the envelopes they hold are
// abandoned.
func (r *Retrier) Stop() {
	r.cancel()
	r.wg.Wait()
}
