package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/client/connectivity"
	"fieldsync/internal/client/opclient"
	"fieldsync/internal/client/queue"
)

type scriptedReplayer struct {
	mu       sync.Mutex
	outcomes map[string]opclient.Outcome
	calls    []string
}

func (r *scriptedReplayer) Replay(_ context.Context, op queue.Operation) (opclient.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op.Target)
	switch outcome := r.outcomes[op.Target]; outcome {
	case opclient.Transient:
		return outcome, errors.New("server returned 500")
	case opclient.Permanent:
		return outcome, &opclient.RejectedError{Status: 409, Message: "insufficient stock"}
	default:
		return opclient.Success, nil
	}
}

func (r *scriptedReplayer) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type recordingObserver struct {
	mu        sync.Mutex
	replayed  []string
	rejected  []string
	abandoned []string
}

func (o *recordingObserver) OnReplayed(op queue.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replayed = append(o.replayed, op.Target)
}

func (o *recordingObserver) OnRejected(op queue.Operation, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, op.Target)
}

func (o *recordingObserver) OnAbandoned(op queue.Operation, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abandoned = append(o.abandoned, fmt.Sprintf("%s:%s:%d", op.Target, reason, op.Retries))
}

func openQueue(t *testing.T, targets ...string) *queue.Store {
	t.Helper()
	q, err := queue.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	for _, target := range targets {
		_, err := q.Enqueue(context.Background(), queue.MethodCreate, target, []byte(`{}`))
		require.NoError(t, err)
	}
	return q
}

func TestDrainReplaysInOrder(t *testing.T) {
	q := openQueue(t, "/a", "/b", "/c")
	replayer := &scriptedReplayer{}
	observer := &recordingObserver{}
	engine := New(q, replayer, Options{Observer: observer})

	report, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Replayed: 3}, report)
	assert.Equal(t, []string{"/a", "/b", "/c"}, replayer.called())
	assert.Equal(t, []string{"/a", "/b", "/c"}, observer.replayed)
	assert.Equal(t, 0, q.PendingCount())
}

func TestDrainAbandonsAfterRetryCeiling(t *testing.T) {
	q := openQueue(t, "/flaky")
	replayer := &scriptedReplayer{outcomes: map[string]opclient.Outcome{"/flaky": opclient.Transient}}
	observer := &recordingObserver{}
	engine := New(q, replayer, Options{RetryCeiling: 5, Observer: observer})
	ctx := context.Background()

	for attempt := 1; attempt <= 4; attempt++ {
		report, err := engine.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Retried, "attempt %d", attempt)
		assert.Equal(t, 1, report.Remaining)
	}

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 0, report.Remaining)
	assert.Equal(t, []string{"/flaky:retry limit reached:5"}, observer.abandoned)

	report, err = engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Len(t, replayer.called(), 5, "no sixth attempt")

	dead, err := q.ListAbandoned(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonRetryLimit, dead[0].Reason)
	assert.Equal(t, "server returned 500", dead[0].LastError)
}

func TestDrainDoesNotRetryRejectedOperations(t *testing.T) {
	q := openQueue(t, "/a", "/b", "/c")
	replayer := &scriptedReplayer{outcomes: map[string]opclient.Outcome{"/b": opclient.Permanent}}
	observer := &recordingObserver{}
	engine := New(q, replayer, Options{Observer: observer})
	ctx := context.Background()

	report, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Replayed: 2, Rejected: 1}, report)
	assert.Equal(t, []string{"/b"}, observer.rejected)

	_, err = engine.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, replayer.called(), 3)

	dead, err := q.ListAbandoned(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "/b", dead[0].Target)
	assert.Equal(t, ReasonRejected, dead[0].Reason)
	assert.Contains(t, dead[0].LastError, "insufficient stock")
	assert.Equal(t, 0, dead[0].Retries)
}

func TestDrainStopsAtTransientFailure(t *testing.T) {
	q := openQueue(t, "/a", "/b")
	replayer := &scriptedReplayer{outcomes: map[string]opclient.Outcome{"/a": opclient.Transient}}
	engine := New(q, replayer, Options{})

	report, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Retried: 1, Remaining: 2}, report)
	assert.Equal(t, []string{"/a"}, replayer.called())
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	q := openQueue(t, "/a")
	replayer := &scriptedReplayer{}
	engine := New(q, replayer, Options{Connectivity: connectivity.NewMonitor(false, nil)})

	report, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, report.Remaining)
	assert.Empty(t, replayer.called())
}

type blockingReplayer struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingReplayer) Replay(_ context.Context, _ queue.Operation) (opclient.Outcome, error) {
	r.entered <- struct{}{}
	<-r.release
	return opclient.Success, nil
}

func TestDrainRejectsConcurrentDrain(t *testing.T) {
	q := openQueue(t, "/a")
	replayer := &blockingReplayer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	engine := New(q, replayer, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := engine.Drain(context.Background())
		done <- err
	}()
	<-replayer.entered

	_, err := engine.Drain(context.Background())
	assert.True(t, errors.Is(err, ErrBusy))

	close(replayer.release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, q.PendingCount())
}

// stallingReplayer holds each replay until its context is cancelled, the way
// an in-flight request ends when the engine is stopped.
type stallingReplayer struct {
	entered chan struct{}
}

func (r *stallingReplayer) Replay(ctx context.Context, _ queue.Operation) (opclient.Outcome, error) {
	r.entered <- struct{}{}
	<-ctx.Done()
	return opclient.Transient, ctx.Err()
}

func TestCancelledReplayKeepsRetryBudget(t *testing.T) {
	q := openQueue(t, "/a", "/b")
	replayer := &stallingReplayer{entered: make(chan struct{}, 1)}
	engine := New(q, replayer, Options{RetryCeiling: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Drain(ctx)
		done <- err
	}()
	<-replayer.entered
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	ops, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Zero(t, ops[0].Retries)
	assert.Empty(t, ops[0].LastError)

	dead, err := q.ListAbandoned(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead, "a ceiling of one must not abandon on shutdown")
}

func TestStartDrainsWhenConnectivityReturns(t *testing.T) {
	q := openQueue(t, "/a", "/b")
	monitor := connectivity.NewMonitor(false, nil)
	replayer := &scriptedReplayer{}
	engine := New(q, replayer, Options{Interval: time.Hour, Connectivity: monitor})

	engine.Start(context.Background())
	defer engine.Stop()

	monitor.SetOnline(true)
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/a", "/b"}, replayer.called())
}

func TestTriggerRunsDrain(t *testing.T) {
	q := openQueue(t)
	replayer := &scriptedReplayer{}
	engine := New(q, replayer, Options{Interval: time.Hour})

	engine.Start(context.Background())
	defer engine.Stop()

	_, err := q.Enqueue(context.Background(), queue.MethodPatch, "/later", []byte(`{}`))
	require.NoError(t, err)
	engine.Trigger()

	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	engine := New(openQueue(t), &scriptedReplayer{}, Options{Interval: time.Hour})
	engine.Stop()
	engine.Start(context.Background())
	engine.Stop()
	engine.Stop()
}
