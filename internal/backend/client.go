// Package backend is the HTTP client for the proxy-router: the
// session-oriented inference backend the gateway fronts.
//
// The client covers session creation and closure, prompt forwarding
// (buffered or as a chunk stream), the per-credential model catalog and the
// health endpoint. Responses that spell fields inconsistently are normalized
// here so callers only ever see Model and SessionInfo.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nulpointcorp/session-gateway/internal/metrics"
)

const (
	defaultTimeout          = 10 * time.Minute
	defaultControlTimeout   = 30 * time.Second
	defaultCredentialHeader = "X-Private-Key"

	sessionHeader = "session_id"

	maxErrorBody = 64 << 10
)

// Operation labels used for metrics and errors.
const (
	OpCreateSession = "create_session"
	OpCloseSession  = "close_session"
	OpPrompt        = "prompt"
	OpListModels    = "list_models"
	OpPing          = "ping"
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Username string
	Password string

	// CredentialHeader carries the caller's credential on every call.
	CredentialHeader string

	// Timeout bounds prompt calls, including reading a full stream. It must
	// be larger than the longest expected completion.
	Timeout time.Duration

	// ControlTimeout bounds session, catalog and health calls.
	ControlTimeout time.Duration

	// HTTPClient overrides the transport. Its Timeout is left as is.
	HTTPClient *http.Client

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// SessionRequest describes a session to open.
type SessionRequest struct {
	ModelID       string
	Duration      time.Duration
	DirectPayment bool
	Failover      bool
}

// Reply is a prompt answer: either a complete Body or an open Stream.
type Reply struct {
	Body   []byte
	Stream *ChunkStream
}

// Client talks to one proxy-router. It is safe for concurrent use.
type Client struct {
	base           *url.URL
	username       string
	password       string
	credHeader     string
	controlTimeout time.Duration

	http    *http.Client
	metrics *metrics.Registry
	log     *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported url scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = defaultControlTimeout
	}
	if cfg.CredentialHeader == "" {
		cfg.CredentialHeader = defaultCredentialHeader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		base:           base,
		username:       cfg.Username,
		password:       cfg.Password,
		credHeader:     cfg.CredentialHeader,
		controlTimeout: cfg.ControlTimeout,
		http:           hc,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
	}, nil
}

// CreateSession opens a session for credential on the requested model.
func (c *Client) CreateSession(ctx context.Context, credential string, req SessionRequest) (*SessionInfo, error) {
	if req.ModelID == "" {
		return nil, fmt.Errorf("backend: %s: empty model id", OpCreateSession)
	}
	payload, err := json.Marshal(map[string]any{
		"sessionDuration": int64(req.Duration / time.Second),
		"directPayment":   req.DirectPayment,
		"failover":        req.Failover,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: %s: encode: %w", OpCreateSession, err)
	}

	path := "/blockchain/models/" + url.PathEscape(req.ModelID) + "/session"
	body, err := c.control(ctx, OpCreateSession, http.MethodPost, path, credential, payload)
	if err != nil {
		return nil, err
	}

	info, ok := parseSession(body)
	if !ok {
		c.metrics.ObserveUpstream(OpCreateSession, "invalid_body", 0)
		return nil, fmt.Errorf("backend: %s: no session id in response: %w", OpCreateSession, ErrEmptyBody)
	}
	return &info, nil
}

// CloseSession closes sessionID on the backend.
func (c *Client) CloseSession(ctx context.Context, credential, sessionID string) error {
	path := "/blockchain/sessions/" + url.PathEscape(sessionID) + "/close"
	_, err := c.control(ctx, OpCloseSession, http.MethodPost, path, credential, nil)
	return err
}

// ListModels returns the catalog visible to credential.
func (c *Client) ListModels(ctx context.Context, credential string) ([]Model, error) {
	body, err := c.control(ctx, OpListModels, http.MethodGet, "/blockchain/models", credential, nil)
	if err != nil {
		return nil, err
	}
	models, err := parseModels(body)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: decode: %w", OpListModels, err)
	}
	return models, nil
}

// Ping probes the backend health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.control(ctx, OpPing, http.MethodGet, "/healthcheck", "", nil)
	return err
}

// SendPrompt forwards payload through sessionID. With stream=false the full
// body is returned and must be valid, non-empty JSON; otherwise ErrEmptyBody
// is returned. With stream=true the caller owns the returned stream and must
// Close it. Cancelling ctx aborts the call at any point.
func (c *Client) SendPrompt(ctx context.Context, credential, sessionID string, payload []byte, stream bool) (*Reply, error) {
	start := time.Now()

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(reqCtx, http.MethodPost, "/v1/chat/completions", credential, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set(sessionHeader, sessionID)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		c.metrics.ObserveUpstream(OpPrompt, outcomeOf(err), time.Since(start))
		return nil, fmt.Errorf("backend: %s: %w", OpPrompt, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		serr := c.statusError(OpPrompt, resp)
		c.metrics.ObserveUpstream(OpPrompt, statusOutcome(resp.StatusCode), time.Since(start))
		return nil, serr
	}

	if stream {
		s := newChunkStream(resp.Body, cancel)
		s.onClose = func() {
			outcome := "ok"
			switch {
			case s.Err() != nil:
				outcome = outcomeOf(s.Err())
			case s.Seen() == 0:
				outcome = "empty_body"
			}
			c.metrics.ObserveUpstream(OpPrompt, outcome, time.Since(start))
		}
		return &Reply{Stream: s}, nil
	}

	defer cancel()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveUpstream(OpPrompt, outcomeOf(err), time.Since(start))
		return nil, fmt.Errorf("backend: %s: read body: %w", OpPrompt, err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		c.metrics.ObserveUpstream(OpPrompt, "empty_body", time.Since(start))
		return nil, fmt.Errorf("backend: %s: %w", OpPrompt, ErrEmptyBody)
	}

	c.metrics.ObserveUpstream(OpPrompt, "ok", time.Since(start))
	return &Reply{Body: body}, nil
}

// control runs a bounded request and returns the 2xx body.
func (c *Client) control(ctx context.Context, op, method, path, credential string, payload []byte) ([]byte, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.controlTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, credential, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(op, outcomeOf(err), time.Since(start))
		return nil, fmt.Errorf("backend: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ObserveUpstream(op, statusOutcome(resp.StatusCode), time.Since(start))
		return nil, c.statusError(op, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveUpstream(op, outcomeOf(err), time.Since(start))
		return nil, fmt.Errorf("backend: %s: read body: %w", op, err)
	}

	c.metrics.ObserveUpstream(op, "ok", time.Since(start))
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, credential string, payload []byte) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawPath = ""

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if credential != "" {
		req.Header.Set(c.credHeader, credential)
	}
	return req, nil
}

func (c *Client) statusError(op string, resp *http.Response) *StatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	c.log.Debug("backend_status_error",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.String("message", serr.Message),
	)
	return serr
}

func statusOutcome(code int) string {
	return "http_" + strconv.Itoa(code/100) + "xx"
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "network"
	}
}
