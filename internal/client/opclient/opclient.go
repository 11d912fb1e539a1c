package opclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/client/queue"
	"fieldsync/internal/xid"
)

var (
	ErrUnavailable  = errors.New("offline and no cached copy")
	ErrUnauthorized = errors.New("credentials rejected")
)

// Outcome classifies a write attempt.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
	// Unauthorized means the server refused the credentials, not the
	// operation. It says nothing about whether the write itself is valid.
	Unauthorized
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Unauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// Classify maps a response status or transport error onto an Outcome.
// Transport errors, timeouts, 5xx, 408 and 429 are worth retrying; 401 and
// 403 are credential problems; any other 4xx is a business rejection.
func Classify(status int, err error) Outcome {
	if err != nil {
		return Transient
	}
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Unauthorized
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient
	default:
		return Permanent
	}
}

// RejectedError is a permanent server-side refusal. It is never queued.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Status, e.Message)
}

type Response struct {
	Status int
	Body   []byte
}

type QueuedNotice struct {
	OperationID uint64
	Pending     int
}

// Result carries exactly one of Response or Queued. Cached marks a read
// served from the local snapshot.
type Result struct {
	Response *Response
	Queued   *QueuedNotice
	Cached   bool
}

type Queue interface {
	EnqueueKeyed(ctx context.Context, method queue.Method, target string, payload []byte, idempotencyKey string) (queue.Operation, error)
	PendingCount() int
	PutSnapshot(ctx context.Context, target string, body []byte) error
	GetSnapshot(ctx context.Context, target string) (queue.Snapshot, bool, error)
}

type Connectivity interface {
	Online() bool
	SetOnline(online bool)
}

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	// OnPending receives the pending count after each capture.
	OnPending func(pending int)
	Logger    *zap.Logger
}

type Client struct {
	queue     Queue
	conn      Connectivity
	baseURL   string
	token     string
	timeout   time.Duration
	http      *http.Client
	onPending func(int)
	log       *zap.Logger
}

func New(q Queue, conn Connectivity, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		queue:     q,
		conn:      conn,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		timeout:   opts.Timeout,
		http:      opts.HTTPClient,
		onPending: opts.OnPending,
		log:       opts.Logger,
	}
}

func (c *Client) PendingCount() int {
	return c.queue.PendingCount()
}

// Send performs a write. Offline, behind older queued writes or on a
// transient failure the intent is captured in the queue and a QueuedNotice is
// returned instead of an error.
func (c *Client) Send(ctx context.Context, method queue.Method, target string, payload []byte) (Result, error) {
	return c.SendKeyed(ctx, method, target, payload, xid.New("op"))
}

// SendKeyed is Send with a caller-chosen idempotency key. The direct attempt
// and every later replay share the key, so a write that reached the server
// before a timeout is not applied twice.
func (c *Client) SendKeyed(ctx context.Context, method queue.Method, target string, payload []byte, idempotencyKey string) (Result, error) {
	if !method.Valid() {
		return Result{}, queue.ErrInvalid
	}
	if idempotencyKey == "" {
		idempotencyKey = xid.New("op")
	}
	op := queue.Operation{Method: method, Target: target, Payload: payload, IdempotencyKey: idempotencyKey}
	// A direct send must not overtake writes still waiting in the queue.
	if !c.conn.Online() || c.queue.PendingCount() > 0 {
		return c.capture(ctx, op)
	}

	outcome, resp, err := c.do(ctx, op)
	switch outcome {
	case Success:
		return Result{Response: resp}, nil
	case Permanent, Unauthorized:
		return Result{}, err
	default:
		c.log.Info("write failed, capturing", zap.String("target", target), zap.Error(err))
		return c.capture(ctx, op)
	}
}

// Replay resends a captured operation with its stored idempotency key.
func (c *Client) Replay(ctx context.Context, op queue.Operation) (Outcome, error) {
	outcome, _, err := c.do(ctx, op)
	return outcome, err
}

// Fetch reads target. Successful reads refresh the snapshot; failures fall
// back to it.
func (c *Client) Fetch(ctx context.Context, target string) (Result, error) {
	if c.conn.Online() {
		resp, err := c.request(ctx, http.MethodGet, target, nil, "")
		if err == nil && resp.Status >= 200 && resp.Status < 300 {
			if err := c.queue.PutSnapshot(ctx, target, resp.Body); err != nil {
				c.log.Warn("snapshot refresh failed", zap.String("target", target), zap.Error(err))
			}
			return Result{Response: resp}, nil
		}
		if err == nil {
			switch Classify(resp.Status, nil) {
			case Permanent:
				return Result{}, rejection(resp)
			case Unauthorized:
				return Result{}, unauthorized(resp)
			}
		}
		if err != nil {
			c.conn.SetOnline(false)
		}
	}

	snap, ok, err := c.queue.GetSnapshot(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrUnavailable
	}
	return Result{Response: &Response{Status: http.StatusOK, Body: snap.Body}, Cached: true}, nil
}

func (c *Client) capture(ctx context.Context, op queue.Operation) (Result, error) {
	captured, err := c.queue.EnqueueKeyed(ctx, op.Method, op.Target, op.Payload, op.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	pending := c.queue.PendingCount()
	if c.onPending != nil {
		c.onPending(pending)
	}
	return Result{Queued: &QueuedNotice{OperationID: captured.ID, Pending: pending}}, nil
}

func (c *Client) do(ctx context.Context, op queue.Operation) (Outcome, *Response, error) {
	verb, err := httpMethod(op.Method)
	if err != nil {
		return Permanent, nil, err
	}
	resp, err := c.request(ctx, verb, op.Target, op.Payload, op.IdempotencyKey)
	if err != nil {
		c.conn.SetOnline(false)
		return Transient, nil, err
	}

	outcome := Classify(resp.Status, nil)
	switch outcome {
	case Success:
		return Success, resp, nil
	case Permanent:
		return Permanent, resp, rejection(resp)
	case Unauthorized:
		return Unauthorized, resp, unauthorized(resp)
	default:
		return Transient, resp, fmt.Errorf("server returned %d", resp.Status)
	}
}

func (c *Client) request(ctx context.Context, verb string, target string, payload []byte, idempotencyKey string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, verb, c.baseURL+target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return &Response{Status: res.StatusCode, Body: raw}, nil
}

func httpMethod(method queue.Method) (string, error) {
	switch method {
	case queue.MethodCreate:
		return http.MethodPost, nil
	case queue.MethodUpdate:
		return http.MethodPut, nil
	case queue.MethodPatch:
		return http.MethodPatch, nil
	case queue.MethodDelete:
		return http.MethodDelete, nil
	}
	return "", queue.ErrInvalid
}

func unauthorized(resp *Response) error {
	return fmt.Errorf("%w (%d): %s", ErrUnauthorized, resp.Status, rejection(resp).Message)
}

func rejection(resp *Response) *RejectedError {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(resp.Body))
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &RejectedError{Status: resp.Status, Message: msg}
}
