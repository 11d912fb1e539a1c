package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/domain"
)

// ErrUnauthorized stops Run: reconnecting with the same token cannot help.
var ErrUnauthorized = errors.New("stream: unauthorized")

var ErrNoSession = errors.New("stream: not connected")

const sessionEvent = "session"

type Session struct {
	ID       string   `json:"session_id"`
	Channels []string `json:"channels"`
}

// Handler receives every domain event in stream order.
type Handler func(event domain.Event) error

type Options struct {
	BaseURL    string
	Token      string
	Channels   []string
	HTTPClient *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	OnSession  func(Session)
	Logger     *zap.Logger
}

// Client follows the server's event stream and reconnects when it drops.
type Client struct {
	baseURL    string
	token      string
	channels   []string
	http       *http.Client
	minBackoff time.Duration
	maxBackoff time.Duration
	onSession  func(Session)
	log        *zap.Logger

	mu      sync.Mutex
	session Session
}

func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		channels:   opts.Channels,
		http:       opts.HTTPClient,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		onSession:  opts.OnSession,
		log:        opts.Logger,
	}
}

// Session returns the current server session, if connected.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session.ID != ""
}

// Run streams until ctx is done, reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	attempt := 0
	for {
		connected, err := c.stream(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if connected {
			attempt = 0
		}
		attempt++
		wait := c.backoff(attempt)
		c.log.Info("event stream disconnected", zap.Error(err), zap.Duration("retry_in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stream runs a single connection until it ends.
func (c *Client) Stream(ctx context.Context, handle Handler) error {
	_, err := c.stream(ctx, handle)
	return err
}

func (c *Client) stream(ctx context.Context, handle Handler) (bool, error) {
	query := url.Values{}
	for _, channel := range c.channels {
		query.Add("channel", channel)
	}
	target := c.baseURL + "/api/v1/events"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	defer c.setSession(Session{})

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("stream: status %d", resp.StatusCode)
	}

	connected := false
	err = Decode(resp.Body, func(eventType string, data []byte) error {
		if eventType == sessionEvent {
			var session Session
			if err := json.Unmarshal(data, &session); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			connected = true
			c.setSession(session)
			if c.onSession != nil {
				c.onSession(session)
			}
			return nil
		}

		var event domain.Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.Warn("skipping malformed event", zap.String("type", eventType), zap.Error(err))
			return nil
		}
		if err := handle(event); err != nil {
			c.log.Warn("event handler failed", zap.String("type", event.Type), zap.Error(err))
		}
		return nil
	})
	if err == nil {
		err = io.EOF
	}
	return connected, err
}

// Join adds channel to the live session.
func (c *Client) Join(ctx context.Context, channel string) error {
	session, ok := c.Session()
	if !ok {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]string{"channel": channel})
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(session.ID)+"/channels", body)
}

func (c *Client) Leave(ctx context.Context, channel string) error {
	session, ok := c.Session()
	if !ok {
		return ErrNoSession
	}
	return c.call(ctx, http.MethodDelete, "/api/v1/events/"+url.PathEscape(session.ID)+"/channels/"+url.PathEscape(channel), nil)
}

func (c *Client) call(ctx context.Context, method string, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func (c *Client) setSession(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// backoff doubles from MinBackoff and caps at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	wait := c.minBackoff
	for i := 1; i < attempt && wait < c.maxBackoff; i++ {
		wait *= 2
	}
	if wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	return wait
}

// Decode reads server-sent events from r and calls fn once per dispatched
// event. Comment lines are skipped and multi-line data is joined with "\n".
func Decode(r io.Reader, fn func(eventType string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	eventType := ""
	var data bytes.Buffer
	hasData := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if hasData {
				if eventType == "" {
					eventType = "message"
				}
				if err := fn(eventType, data.Bytes()); err != nil {
					return err
				}
			}
			eventType = ""
			data.Reset()
			hasData = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	return scanner.Err()
}
