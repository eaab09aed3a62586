// Package client talks to a running wabatch server over its HTTP API and
// progress websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"wabatch/internal/dispatch"
	"wabatch/internal/progress"
	"wabatch/internal/session"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	// Summary is set for failed batches.
	Summary *dispatch.Summary
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Client struct {
	base string
	user string
	http *http.Client
}

type Option func(*Client)

// WithUser sets the X-User-ID header so the server resolves the sending
// identity from its directory.
func WithUser(id string) Option { return func(c *Client) { c.user = id } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 0},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error   string            `json:"error"`
			Summary *dispatch.Summary `json:"summary"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, Summary: e.Summary}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Pair starts or resumes pairing. It returns the code to enter on the phone,
// or "" when the identity is already paired.
func (c *Client) Pair(ctx context.Context, number string) (string, error) {
	var out struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/pair?number="+url.QueryEscape(number), nil, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

func (c *Client) Status(ctx context.Context, number string) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodGet, "/status?number="+url.QueryEscape(number), nil, &st)
	return st, err
}

func (c *Client) Sessions(ctx context.Context) ([]session.Status, error) {
	var out []session.Status
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

func (c *Client) Remove(ctx context.Context, number string, purge bool) error {
	path := "/sessions/" + url.PathEscape(number)
	if purge {
		path += "?purge=1"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SendRequest mirrors the JSON body of the send endpoints.
type SendRequest struct {
	Type            string `json:"type,omitempty"`
	Number          string `json:"number,omitempty"`
	NumbersText     string `json:"numbersText"`
	Message         string `json:"message"`
	MessageTitle    string `json:"messageTitle,omitempty"`
	MessageSubtitle string `json:"messageSubtitle,omitempty"`
	MessageFooter   string `json:"messageFooter,omitempty"`
	ButtonText      string `json:"buttonText,omitempty"`
	ButtonURL       string `json:"buttonUrl,omitempty"`
	MediaURL        string `json:"mediaUrl,omitempty"`
	ShopName        string `json:"shopName,omitempty"`
	ShopID          string `json:"shopId,omitempty"`
	ViewOnce        *bool  `json:"viewOnce,omitempty"`
}

type SendResult struct {
	Status  string           `json:"status"`
	JobID   string           `json:"job_id"`
	Summary dispatch.Summary `json:"summary"`
}

// Send runs a batch and waits for its summary.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var out SendResult
	err := c.do(ctx, http.MethodPost, "/send", req, &out)
	return out, err
}

// Start queues a batch and returns its job id.
func (c *Client) Start(ctx context.Context, req SendRequest) (string, error) {
	var out SendResult
	if err := c.do(ctx, http.MethodPost, "/send?async=1", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) Jobs(ctx context.Context) ([]dispatch.JobStatus, error) {
	var out []dispatch.JobStatus
	err := c.do(ctx, http.MethodGet, "/jobs", nil, &out)
	return out, err
}

func (c *Client) Job(ctx context.Context, id string) (dispatch.JobStatus, error) {
	var out dispatch.JobStatus
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Watch streams progress events until ctx is done or the server closes the
// feed. identity may be empty to receive every identity's events.
func (c *Client) Watch(ctx context.Context, identity string) (<-chan progress.Event, error) {
	u, err := url.Parse(c.base + "/progress")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if identity != "" {
		u.RawQuery = url.Values{"identity": {identity}}.Encode()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, _, err := ws.Dial(dialCtx, u.String())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	out := make(chan progress.Event, 64)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			data, err := wsutil.ReadServerText(conn)
			if err != nil {
				return
			}
			var e progress.Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == code
}
