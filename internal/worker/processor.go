// Package worker consumes session.advance events and drives sessions through
// the pipeline under a per-session lease.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fandrade/parlatrack/internal/discovery"
	"github.com/fandrade/parlatrack/internal/lease"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/internal/queue/streams"
)

var (
	sessionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlatrack_worker_sessions_processed_total",
		Help: "Sessions driven to a terminal or deferred state, by result.",
	}, []string{"result"})

	stageRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlatrack_worker_stage_retries_total",
		Help: "Stage executions retried after a transient failure.",
	})
)

// Advancer moves a session one stage forward.
type Advancer interface {
	Advance(ctx context.Context, id string) (pipeline.Outcome, error)
}

// Lease is a held per-session lock.
type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Leaser hands out per-session leases.
type Leaser interface {
	Acquire(ctx context.Context, sessionID string) (Lease, error)
}

// NewRedisLeaser adapts the Redis locker to the Leaser interface.
func NewRedisLeaser(l *lease.Locker) Leaser { return redisLeaser{l} }

type redisLeaser struct{ l *lease.Locker }

func (r redisLeaser) Acquire(ctx context.Context, sessionID string) (Lease, error) {
	ls, err := r.l.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ls, nil
}

// Processor is one pipeline worker.
type Processor struct {
	consumer *streams.Consumer
	advancer Advancer
	leaser   Leaser
	logger   *log.Logger

	block      time.Duration
	batch      int64
	claimEvery time.Duration
	minIdle    time.Duration
	maxBackoff time.Duration
}

// New builds a Processor reading from the session.advance stream.
func New(consumer *streams.Consumer, advancer Advancer, leaser Leaser) *Processor {
	return &Processor{
		consumer:   consumer,
		advancer:   advancer,
		leaser:     leaser,
		logger:     log.New(os.Stdout, "[worker] ", log.LstdFlags),
		block:      5 * time.Second,
		batch:      8,
		claimEvery: time.Minute,
		minIdle:    5 * time.Minute,
		maxBackoff: 15 * time.Minute,
	}
}

// Run consumes until ctx is cancelled. Crashed-worker leftovers are
// reclaimed on a timer via XAUTOCLAIM.
func (p *Processor) Run(ctx context.Context) error {
	claimTicker := time.NewTicker(p.claimEvery)
	defer claimTicker.Stop()
	claimStart := "0-0"

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claimTicker.C:
			msgs, next, err := p.consumer.AutoClaim(ctx, streams.StreamSessionAdvance, p.minIdle, claimStart, p.batch)
			if err != nil {
				p.logger.Printf("autoclaim: %v", err)
				continue
			}
			claimStart = next
			for _, msg := range msgs {
				p.handle(ctx, msg)
			}
		default:
		}

		msgs, err := p.consumer.Read(ctx, streams.StreamSessionAdvance,
			streams.WithBlock(p.block), streams.WithCount(p.batch))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Printf("read: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			p.handle(ctx, msg)
		}
	}
}

// handle drives one session to a terminal status or to a point where work
// must stop. The message is acknowledged only once the session is terminal;
// a skipped or errored message stays pending for the reclaim sweep.
func (p *Processor) handle(ctx context.Context, msg streams.Message) {
	var payload discovery.AdvancePayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil || payload.SessionID == "" {
		p.logger.Printf("dropping malformed %s event %s", msg.Envelope.EventType, msg.Envelope.EventID)
		p.ack(ctx, msg.ID)
		return
	}

	if p.drive(ctx, payload.SessionID) {
		p.ack(ctx, msg.ID)
	}
}

// drive advances one session under its lease until it reaches a terminal
// status. It reports whether the triggering message should be acknowledged.
func (p *Processor) drive(ctx context.Context, sessionID string) bool {
	held, err := p.leaser.Acquire(ctx, sessionID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			// Another worker owns this session. Leave the message pending;
			// the reclaim sweep retries once the lease is gone.
			return false
		}
		p.logger.Printf("lease %s: %v", sessionID, err)
		return false
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Printf("release lease %s: %v", sessionID, err)
		}
	}()

	for {
		out, err := p.advancer.Advance(ctx, sessionID)
		if err != nil {
			if pipeline.IsConfiguration(err) {
				p.logger.Printf("session %s halted on operator error: %v", sessionID, err)
				sessionsProcessed.WithLabelValues("configuration_error").Inc()
				return false
			}
			p.logger.Printf("session %s: %v", sessionID, err)
			sessionsProcessed.WithLabelValues("error").Inc()
			return false
		}

		if out.Done {
			sessionsProcessed.WithLabelValues(string(out.Status)).Inc()
			return true
		}
		if out.Retry {
			stageRetries.Inc()
			if !p.waitWithRenew(ctx, held, out.Backoff) {
				// Shutting down mid-backoff; leave the message pending.
				return false
			}
			continue
		}
		// Stage succeeded, more stages to run. Keep the lease fresh.
		if err := held.Renew(ctx); err != nil {
			p.logger.Printf("session %s: lost lease, stopping: %v", sessionID, err)
			return false
		}
	}
}

// waitWithRenew sleeps out the backoff while keeping the lease alive.
// Returns false when the context ends first.
func (p *Processor) waitWithRenew(ctx context.Context, held Lease, backoff time.Duration) bool {
	if backoff > p.maxBackoff {
		backoff = p.maxBackoff
	}
	deadline := time.Now().Add(backoff)
	renewTicker := time.NewTicker(10 * time.Second)
	defer renewTicker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		wait := remaining
		if wait > 10*time.Second {
			wait = 10 * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-renewTicker.C:
			timer.Stop()
			if err := held.Renew(ctx); err != nil {
				return false
			}
		case <-timer.C:
		}
	}
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.consumer.Ack(ctx, streams.StreamSessionAdvance, id); err != nil {
		p.logger.Printf("ack %s: %v", id, err)
	}
}
