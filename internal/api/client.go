// Package api is the HTTP client for the remote authority.
//
// Requests carry the bearer token when one is available and run through a
// circuit breaker so an unreachable authority fails fast instead of stalling
// every caller for the full timeout.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
)

var (
	// ErrNotFound is returned for 404 responses
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned for 401 responses
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable is returned while the circuit breaker is open
	ErrUnavailable = errors.New("authority unavailable")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is maps status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	}
	return false
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32

	// Interval after which closed-state counts reset
	Interval time.Duration

	// Timeout before an open breaker goes half-open
	Timeout time.Duration

	// FailureThreshold is the failure ratio that trips the breaker
	FailureThreshold float64

	// MinRequests before the ratio is evaluated
	MinRequests uint32
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the authority, e.g. http://localhost:8080
	BaseURL string

	// Timeout per request (default: 15s)
	Timeout time.Duration

	// Token returns the current bearer token; empty means anonymous
	Token func() string

	Breaker BreakerConfig

	// Logger for client activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:8080",
		Timeout: 15 * time.Second,
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         30 * time.Second,
			Timeout:          10 * time.Second,
			FailureThreshold: 0.6,
			MinRequests:      3,
		},
		Logger: log.New(os.Stderr, "[api] ", log.LstdFlags),
	}
}

// Client talks to the remote authority.
type Client struct {
	config  *Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a client.
func New(config *Config) *Client {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Breaker == (BreakerConfig{}) {
		config.Breaker = def.Breaker
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}

	bc := config.Breaker
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "authority",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Printf("Circuit breaker %s: %v -> %v", name, from, to)
		},
		// client errors are answers, not outages
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return c
}

// Boards lists the signed-in user's boards, without cards.
func (c *Client) Boards(ctx context.Context) ([]schema.Board, error) {
	var dtos []BoardDTO
	if err := c.do(ctx, http.MethodGet, "/user/me/boards", nil, &dtos); err != nil {
		return nil, err
	}

	boards := make([]schema.Board, 0, len(dtos))
	for _, d := range dtos {
		boards = append(boards, d.Board())
	}
	return boards, nil
}

// Board fetches one board with its cards.
func (c *Client) Board(ctx context.Context, id string) (schema.Board, error) {
	var dto BoardDTO
	if err := c.do(ctx, http.MethodGet, "/board/"+url.PathEscape(id), nil, &dto); err != nil {
		return schema.Board{}, err
	}
	return dto.Board(), nil
}

// Me fetches the account the token belongs to.
func (c *Client) Me(ctx context.Context) (schema.User, error) {
	var dto UserDTO
	if err := c.do(ctx, http.MethodGet, "/user/me", nil, &dto); err != nil {
		return schema.User{}, err
	}
	return dto.User(), nil
}

// PushMutations sends queued entries for one board and returns how many the
// authority applied. Entries already applied are skipped by the authority.
func (c *Client) PushMutations(ctx context.Context, board string, entries []queue.Entry) (int, error) {
	var resp MutationsResponse
	path := "/board/" + url.PathEscape(board) + "/mutations"
	if err := c.do(ctx, http.MethodPost, path, MutationsRequest{Mutations: entries}, &resp); err != nil {
		return 0, err
	}
	return resp.Applied, nil
}

// Reachable reports whether the authority's host accepts TCP connections.
// It bypasses the circuit breaker.
func (c *Client) Reachable(ctx context.Context) bool {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil || u.Host == "" {
		return false
	}

	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != nil {
		if token := c.config.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}
