// Package archive downloads PGN from a Lichess-compatible game archive.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const DefaultBaseURL = "https://lichess.org"

var (
	// ErrNotFound is returned when the archive has no such game or player.
	// The archive answers unknown ids with an HTML page, not a 404.
	ErrNotFound = errors.New("archive: not found")
	ErrStatus   = errors.New("archive: unexpected status")
)

type Client struct {
	baseURL string
	http    *fasthttp.Client
	token   string

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithToken sends a bearer token, which raises the archive's rate limits.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithDial replaces the transport dialer; tests use it with an in-memory
// listener.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &fasthttp.Client{
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxConnsPerHost:     8,
			MaxResponseBodySize: 64 << 20, // player exports carry many games
		},
		defaultTimeout: 30 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Game returns the PGN of one game.
func (c *Client) Game(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty game id", ErrNotFound)
	}
	q := url.Values{}
	q.Set("clocks", "false")
	q.Set("evals", "false")
	return c.getPGN(ctx, "/game/export/"+url.PathEscape(id)+"?"+q.Encode())
}

// PlayerGames returns up to max of the player's most recent games as one
// multi-game PGN text.
func (c *Client) PlayerGames(ctx context.Context, user string, max int) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", fmt.Errorf("%w: empty user name", ErrNotFound)
	}
	if max <= 0 {
		max = 10
	}
	q := url.Values{}
	q.Set("max", strconv.Itoa(max))
	q.Set("clocks", "false")
	q.Set("evals", "false")
	return c.getPGN(ctx, "/api/games/user/"+url.PathEscape(user)+"?"+q.Encode())
}

func (c *Client) getPGN(ctx context.Context, path string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/x-chess-pgn")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return "", lastErr
			}
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return "", lastErr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == fasthttp.StatusNotFound:
			return "", ErrNotFound
		case status < 200 || status >= 300:
			lastErr = fmt.Errorf("%w: status=%d body=%s", ErrStatus, status, truncate(string(resp.Body()), 512))
			if attempt == attempts || !shouldRetryStatus(status) {
				return "", lastErr
			}
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return "", lastErr
			}
			continue
		}

		body := resp.Body()
		if isHTML(resp.Header.ContentType(), body) {
			return "", ErrNotFound
		}
		return string(body), nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return "", lastErr
}

func isHTML(contentType, body []byte) bool {
	if bytes.HasPrefix(bytes.ToLower(contentType), []byte("text/html")) {
		return true
	}
	head := bytes.TrimSpace(body)
	if len(head) > 64 {
		head = head[:64]
	}
	head = bytes.ToLower(head)
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

// shouldRetryStatus also retries 429, which the archive uses for rate
// limiting.
func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
