// Package forwarder runs one chat completion end to end: credential lookup,
// model resolution, session acquisition and the backend call, with a single
// retry on a fresh session when the backend fault looks transient.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/backend"
	"github.com/nulpointcorp/session-gateway/internal/metrics"
	"github.com/nulpointcorp/session-gateway/internal/session"
	"github.com/nulpointcorp/session-gateway/pkg/apierr"
)

const maxAttempts = 2

// Credentials yields an owner's decrypted backend credential.
type Credentials interface {
	Get(ctx context.Context, ownerKey string) (string, bool)
}

// Resolver maps public model names to backend ids.
type Resolver interface {
	ResolveBackendID(ctx context.Context, publicName, ownerKey string) string
}

// Sessions hands out backend sessions.
type Sessions interface {
	GetOrCreate(ctx context.Context, owner session.Owner, modelID string, duration time.Duration, flags session.Flags) (session.Session, error)
	Discard(ctx context.Context, owner session.Owner, s session.Session)
}

// Prompter sends a prompt through a session.
type Prompter interface {
	SendPrompt(ctx context.Context, credential, sessionID string, payload []byte, stream bool) (*backend.Reply, error)
}

// Options configures a Forwarder.
type Options struct {
	// SessionDuration is requested for every new session.
	SessionDuration time.Duration
	Flags           session.Flags

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Request is one inbound completion.
type Request struct {
	OwnerKey  string
	Model     string
	Stream    bool
	Payload   []byte
	RequestID string
}

// Result is a successful completion. Exactly one of Body and Stream is set
// by Open. Send drains Stream and leaves Chunks when no callback was given.
type Result struct {
	Body   []byte
	Stream *Stream
	Chunks [][]byte

	SessionID      string
	BackendModelID string
	Attempts       int
}

// Forwarder is the request forwarder. It is safe for concurrent use.
type Forwarder struct {
	creds    Credentials
	resolver Resolver
	sessions Sessions
	prompter Prompter

	duration time.Duration
	flags    session.Flags

	metrics *metrics.Registry
	log     *slog.Logger
}

func New(creds Credentials, resolver Resolver, sessions Sessions, prompter Prompter, opts Options) *Forwarder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Forwarder{
		creds:    creds,
		resolver: resolver,
		sessions: sessions,
		prompter: prompter,
		duration: opts.SessionDuration,
		flags:    opts.Flags,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// Open runs the request and returns a complete body or an open stream. A
// returned stream has already produced its first chunk, so a stream that
// ends immediately is treated like an empty body and retried. The caller
// must Close a returned stream.
func (f *Forwarder) Open(ctx context.Context, req Request) (*Result, error) {
	if req.OwnerKey == "" {
		return nil, apierr.Authentication("missing API key")
	}
	if req.Model == "" {
		return nil, apierr.Validation("model", "field 'model' is required")
	}

	credential, ok := f.creds.Get(ctx, req.OwnerKey)
	if !ok {
		return nil, apierr.MissingCredential()
	}
	owner := session.Owner{Key: req.OwnerKey, Credential: credential}
	modelID := f.resolver.ResolveBackendID(ctx, req.Model, req.OwnerKey)

	log := f.log.With(
		slog.String("request_id", req.RequestID),
		slog.String("owner", auth.Fingerprint(req.OwnerKey)),
		slog.String("model", req.Model),
		slog.String("model_id", modelID),
	)

	var (
		lastErr error
		retried bool
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, sess, err := f.attempt(ctx, owner, modelID, req)
		if err == nil {
			res.Attempts = attempt
			res.BackendModelID = modelID
			return res, nil
		}
		lastErr = err

		fault := classifyError(err)
		if ctx.Err() != nil || !isRetryable(err) || attempt == maxAttempts {
			break
		}

		retried = true
		f.metrics.RecordRetry(fault)
		log.WarnContext(ctx, "prompt_retry",
			slog.String("fault", fault),
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		if sess.ID != "" {
			f.sessions.Discard(ctx, owner, sess)
		}
	}

	fault := classifyError(lastErr)
	f.metrics.RecordFailure(fault)
	if fault != FaultCanceled {
		log.WarnContext(ctx, "prompt_failed",
			slog.String("fault", fault),
			slog.String("error", lastErr.Error()),
		)
	}
	return nil, toAPIError(lastErr, retried)
}

// Send is Open followed by draining a streamed reply into onChunk. When
// onChunk is nil the chunks are collected into Result.Chunks. An error from
// onChunk stops the stream and cancels the backend call.
func (f *Forwarder) Send(ctx context.Context, req Request, onChunk func([]byte) error) (*Result, error) {
	res, err := f.Open(ctx, req)
	if err != nil || res.Stream == nil {
		return res, err
	}

	s := res.Stream
	res.Stream = nil
	defer s.Close()

	for s.Next() {
		chunk := s.Chunk()
		if onChunk == nil {
			res.Chunks = append(res.Chunks, append([]byte(nil), chunk...))
			continue
		}
		if err := onChunk(chunk); err != nil {
			return res, fmt.Errorf("forwarder: deliver chunk: %w", err)
		}
	}
	if err := s.Err(); err != nil {
		return res, apierr.BadGateway("backend stream interrupted", err)
	}
	return res, nil
}

func (f *Forwarder) attempt(ctx context.Context, owner session.Owner, modelID string, req Request) (*Result, session.Session, error) {
	sess, err := f.sessions.GetOrCreate(ctx, owner, modelID, f.duration, f.flags)
	if err != nil {
		return nil, session.Session{}, err
	}

	reply, err := f.prompter.SendPrompt(ctx, owner.Credential, sess.ID, req.Payload, req.Stream)
	if err != nil {
		return nil, sess, err
	}

	res := &Result{SessionID: sess.ID}
	if reply.Stream == nil {
		res.Body = reply.Body
		return res, sess, nil
	}

	cs := reply.Stream
	if !cs.Next() {
		err := cs.Err()
		_ = cs.Close()
		if err == nil {
			err = fmt.Errorf("forwarder: stream ended before the first chunk: %w", backend.ErrEmptyBody)
		}
		return nil, sess, err
	}
	res.Stream = &Stream{cs: cs, pending: true}
	return res, sess, nil
}

// Stream is a backend chunk stream whose first chunk was read by Open.
type Stream struct {
	cs      *backend.ChunkStream
	pending bool
}

func (s *Stream) Next() bool {
	if s.pending {
		s.pending = false
		return true
	}
	return s.cs.Next()
}

// Chunk returns the current payload, byte for byte as the backend sent it.
func (s *Stream) Chunk() []byte { return s.cs.Chunk() }

func (s *Stream) Err() error { return s.cs.Err() }

func (s *Stream) Close() error { return s.cs.Close() }
