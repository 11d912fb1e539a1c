package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/client/opclient"
	"fieldsync/internal/client/queue"
)

// ErrBusy is returned by Drain while another drain is running.
var ErrBusy = errors.New("syncer: drain already in progress")

const (
	ReasonRejected   = "rejected"
	ReasonRetryLimit = "retry limit reached"
)

type Store interface {
	ListPending(ctx context.Context) ([]queue.Operation, error)
	Remove(ctx context.Context, id uint64) error
	IncrementRetry(ctx context.Context, id uint64, lastErr string) (queue.Operation, error)
	Abandon(ctx context.Context, op queue.Operation, reason string) error
	PendingCount() int
}

type Replayer interface {
	Replay(ctx context.Context, op queue.Operation) (opclient.Outcome, error)
}

type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Observer is told about every terminal outcome of a queued operation.
type Observer interface {
	OnReplayed(op queue.Operation)
	OnRejected(op queue.Operation, err error)
	OnAbandoned(op queue.Operation, reason string)
}

type Options struct {
	Interval     time.Duration
	RetryCeiling int
	Connectivity Connectivity
	Observer     Observer
	Logger       *zap.Logger
}

// Report summarizes one drain.
type Report struct {
	Replayed  int
	Retried   int
	Rejected  int
	Abandoned int
	Remaining int
	Skipped   bool
	// Unauthorized is set when the server refused the credentials. The
	// drain stops with every remaining operation left untouched.
	Unauthorized bool
}

// Engine replays queued operations in FIFO order, one drain at a time.
type Engine struct {
	store    Store
	replayer Replayer
	conn     Connectivity
	observer Observer
	interval time.Duration
	ceiling  int
	log      *zap.Logger

	trigger chan struct{}

	mu      sync.Mutex
	syncing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(store Store, replayer Replayer, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.RetryCeiling < 1 {
		opts.RetryCeiling = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		replayer: replayer,
		conn:     opts.Connectivity,
		observer: opts.Observer,
		interval: opts.Interval,
		ceiling:  opts.RetryCeiling,
		log:      opts.Logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the background loop until ctx is done or Stop is called.
// Calling Start on a running engine does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go e.loop(ctx, done)
}

// Stop cancels the loop and waits for an in-flight drain to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger requests a drain. Requests made while one is pending coalesce.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var edges <-chan bool
	if e.conn != nil {
		ch, unsubscribe := e.conn.Subscribe()
		defer unsubscribe()
		edges = ch
	}

	e.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.run(ctx)
		case <-e.trigger:
			e.run(ctx)
		case online := <-edges:
			if online {
				e.run(ctx)
			}
		}
	}
}

func (e *Engine) run(ctx context.Context) {
	report, err := e.Drain(ctx)
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, context.Canceled):
	case err != nil:
		e.log.Error("sync drain failed", zap.Error(err))
	case report.Unauthorized:
		e.log.Warn("sync paused, server refused credentials", zap.Int("remaining", report.Remaining))
	case report.Replayed+report.Retried+report.Rejected+report.Abandoned > 0:
		e.log.Info("sync drain finished",
			zap.Int("replayed", report.Replayed),
			zap.Int("retried", report.Retried),
			zap.Int("rejected", report.Rejected),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("remaining", report.Remaining),
		)
	}
}

// Drain replays pending operations oldest first. A transient failure records
// a retry and ends the drain so later operations never overtake it.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return Report{}, ErrBusy
	}
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	var report Report
	if e.conn != nil && !e.conn.Online() {
		report.Skipped = true
		report.Remaining = e.store.PendingCount()
		return report, nil
	}

	ops, err := e.store.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			report.Remaining = e.store.PendingCount()
			return report, err
		}

		stop, err := e.replay(ctx, op, &report)
		if err != nil {
			report.Remaining = e.store.PendingCount()
			return report, err
		}
		if stop {
			break
		}
	}

	report.Remaining = e.store.PendingCount()
	return report, nil
}

func (e *Engine) replay(ctx context.Context, op queue.Operation, report *Report) (bool, error) {
	outcome, replayErr := e.replayer.Replay(ctx, op)
	switch outcome {
	case opclient.Success:
		if err := e.store.Remove(ctx, op.ID); err != nil {
			return true, fmt.Errorf("remove %s: %w", op, err)
		}
		report.Replayed++
		e.log.Debug("operation replayed", zap.Uint64("op_id", op.ID), zap.String("target", op.Target))
		if e.observer != nil {
			e.observer.OnReplayed(op)
		}
		return false, nil

	case opclient.Permanent:
		op.LastError = errorText(replayErr)
		if err := e.store.Abandon(ctx, op, ReasonRejected); err != nil {
			return true, fmt.Errorf("abandon %s: %w", op, err)
		}
		report.Rejected++
		if e.observer != nil {
			e.observer.OnRejected(op, replayErr)
		}
		return false, nil

	case opclient.Unauthorized:
		report.Unauthorized = true
		return true, nil
	}

	// Cancelled mid-request: the failure says nothing about the operation.
	if err := ctx.Err(); err != nil {
		return true, err
	}

	updated, err := e.store.IncrementRetry(ctx, op.ID, errorText(replayErr))
	if err != nil {
		return true, fmt.Errorf("record retry %s: %w", op, err)
	}
	if updated.Retries < e.ceiling {
		report.Retried++
		e.log.Debug("replay deferred",
			zap.Uint64("op_id", op.ID),
			zap.Int("retries", updated.Retries),
			zap.Error(replayErr),
		)
		return true, nil
	}

	if err := e.store.Abandon(ctx, updated, ReasonRetryLimit); err != nil {
		return true, fmt.Errorf("abandon %s: %w", op, err)
	}
	report.Abandoned++
	if e.observer != nil {
		e.observer.OnAbandoned(updated, ReasonRetryLimit)
	}
	return false, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
