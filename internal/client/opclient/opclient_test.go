package opclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/client/connectivity"
	"fieldsync/internal/client/queue"
)

type recordedRequest struct {
	Method         string
	Path           string
	IdempotencyKey string
	Authorization  string
	Body           string
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Authorization:  r.Header.Get("Authorization"),
		Body:           string(raw),
	})
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeServer) set(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeServer) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, online bool) (*Client, *fakeServer, *queue.Store, *int) {
	t.Helper()
	fake := &fakeServer{status: http.StatusCreated, body: `{"ok":true}`}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	q, err := queue.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	notified := new(int)
	client := New(q, connectivity.NewMonitor(online, nil), Options{
		BaseURL:   server.URL,
		Token:     "token-1",
		Timeout:   2 * time.Second,
		OnPending: func(pending int) { *notified = pending },
	})
	return client, fake, q, notified
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   Outcome
	}{
		{200, nil, Success},
		{201, nil, Success},
		{0, errors.New("dial tcp: refused"), Transient},
		{500, nil, Transient},
		{503, nil, Transient},
		{408, nil, Transient},
		{429, nil, Transient},
		{401, nil, Unauthorized},
		{403, nil, Unauthorized},
		{400, nil, Permanent},
		{404, nil, Permanent},
		{409, nil, Permanent},
		{422, nil, Permanent},
	}
	for _, tc := range cases {
		if got := Classify(tc.status, tc.err); got != tc.want {
			t.Fatalf("Classify(%d, %v) = %s, want %s", tc.status, tc.err, got, tc.want)
		}
	}
}

func TestSendOnlineSuccess(t *testing.T) {
	client, fake, q, _ := newTestClient(t, true)

	result, err := client.Send(context.Background(), queue.MethodCreate, "/api/v1/orders", []byte(`{"shop_id":"s1"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Response)
	assert.Nil(t, result.Queued)
	assert.Equal(t, http.StatusCreated, result.Response.Status)
	assert.Equal(t, 0, q.PendingCount())

	reqs := fake.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.NotEmpty(t, reqs[0].IdempotencyKey)
	assert.Equal(t, "Bearer token-1", reqs[0].Authorization)
	assert.JSONEq(t, `{"shop_id":"s1"}`, reqs[0].Body)
}

func TestSendOfflineCapturesWithoutNetwork(t *testing.T) {
	client, fake, q, notified := newTestClient(t, false)

	result, err := client.Send(context.Background(), queue.MethodCreate, "/api/v1/orders", []byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, result.Queued)
	assert.Equal(t, 1, result.Queued.Pending)
	assert.Equal(t, 1, *notified)
	assert.Equal(t, 1, q.PendingCount())
	assert.Empty(t, fake.recorded())
}

func TestSendTransientFailureCapturesWithSameKey(t *testing.T) {
	client, fake, q, _ := newTestClient(t, true)
	fake.set(http.StatusServiceUnavailable, `{"error":"internal server error"}`)

	result, err := client.Send(context.Background(), queue.MethodPatch, "/api/v1/orders/o1/status", []byte(`{"status":"confirmed"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Queued)

	ops, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)

	reqs := fake.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, reqs[0].IdempotencyKey, ops[0].IdempotencyKey, "the replay must reuse the direct attempt's key")
}

func TestSendPermanentFailureIsRejected(t *testing.T) {
	client, fake, q, _ := newTestClient(t, true)
	fake.set(http.StatusConflict, `{"error":"insufficient stock"}`)

	_, err := client.Send(context.Background(), queue.MethodCreate, "/api/v1/orders", []byte(`{}`))
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusConflict, rejected.Status)
	assert.Equal(t, "insufficient stock", rejected.Message)
	assert.Equal(t, 0, q.PendingCount())
}

func TestSendQueuesBehindPendingOperations(t *testing.T) {
	client, fake, q, notified := newTestClient(t, true)
	ctx := context.Background()
	_, err := q.EnqueueKeyed(ctx, queue.MethodCreate, "/api/v1/shops", []byte(`{"name":"Warung Baru"}`), "op-shop")
	require.NoError(t, err)

	result, err := client.Send(ctx, queue.MethodCreate, "/api/v1/orders", []byte(`{"shop_id":"shop-baru"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Queued, "a write behind queued ones must be queued too")
	assert.Equal(t, 2, result.Queued.Pending)
	assert.Equal(t, 2, *notified)
	assert.Empty(t, fake.recorded())

	ops, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "/api/v1/shops", ops[0].Target)
	assert.Equal(t, "/api/v1/orders", ops[1].Target)
}

func TestSendUnauthorizedIsNotQueued(t *testing.T) {
	client, fake, q, _ := newTestClient(t, true)
	fake.set(http.StatusUnauthorized, `{"error":"invalid or expired token"}`)

	_, err := client.Send(context.Background(), queue.MethodCreate, "/api/v1/orders", []byte(`{}`))
	require.True(t, errors.Is(err, ErrUnauthorized))
	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected), "a credential failure is not a business rejection")
	assert.Equal(t, 0, q.PendingCount())

	_, err = client.Fetch(context.Background(), "/api/v1/stock")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Len(t, fake.recorded(), 2)
}

func TestSendUnreachableServerCapturesAndGoesOffline(t *testing.T) {
	q, err := queue.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer q.Close()

	monitor := connectivity.NewMonitor(true, nil)
	client := New(q, monitor, Options{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})

	result, err := client.Send(context.Background(), queue.MethodDelete, "/api/v1/orders/o1", nil)
	require.NoError(t, err)
	require.NotNil(t, result.Queued)
	assert.False(t, monitor.Online())
}

func TestReplayReusesStoredKey(t *testing.T) {
	client, fake, q, _ := newTestClient(t, false)
	ctx := context.Background()

	_, err := client.Send(ctx, queue.MethodUpdate, "/api/v1/things/1", []byte(`{"a":1}`))
	require.NoError(t, err)
	ops, _ := q.ListPending(ctx)
	require.Len(t, ops, 1)

	outcome, err := client.Replay(ctx, ops[0])
	require.NoError(t, err)
	assert.Equal(t, Success, outcome)

	fake.set(http.StatusUnprocessableEntity, `{"error":"unknown or inactive product"}`)
	outcome, err = client.Replay(ctx, ops[0])
	assert.Equal(t, Permanent, outcome)
	var rejected *RejectedError
	assert.True(t, errors.As(err, &rejected))

	reqs := fake.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, ops[0].IdempotencyKey, reqs[0].IdempotencyKey)
	assert.Equal(t, ops[0].IdempotencyKey, reqs[1].IdempotencyKey)
}

func TestFetchFallsBackToSnapshot(t *testing.T) {
	client, fake, _, _ := newTestClient(t, true)
	ctx := context.Background()
	fake.set(http.StatusOK, `{"stock":[{"product_id":"p1","quantity":3}]}`)

	fresh, err := client.Fetch(ctx, "/api/v1/stock")
	require.NoError(t, err)
	assert.False(t, fresh.Cached)

	fake.set(http.StatusBadGateway, `{"error":"internal server error"}`)
	cached, err := client.Fetch(ctx, "/api/v1/stock")
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.JSONEq(t, `{"stock":[{"product_id":"p1","quantity":3}]}`, string(cached.Response.Body))

	_, err = client.Fetch(ctx, "/api/v1/orders")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestSendKeyedUsesCallerKey(t *testing.T) {
	client, fake, _, _ := newTestClient(t, true)

	_, err := client.SendKeyed(context.Background(), queue.MethodCreate, "/api/v1/stock/p1/add", []byte(`{"quantity":2}`), "op-fixed")
	require.NoError(t, err)
	reqs := fake.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "op-fixed", reqs[0].IdempotencyKey)

	_, err = client.SendKeyed(context.Background(), queue.Method("GET"), "/api/v1/stock", nil, "op-x")
	assert.True(t, errors.Is(err, queue.ErrInvalid))
}
