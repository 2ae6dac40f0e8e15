package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nulpointcorp/session-gateway/internal/backend"
	"github.com/nulpointcorp/session-gateway/internal/session"
	"github.com/nulpointcorp/session-gateway/internal/store"
	"github.com/nulpointcorp/session-gateway/pkg/apierr"
)

type fakeVault map[string]string

func (v fakeVault) Get(_ context.Context, owner string) (string, bool) {
	c, ok := v[owner]
	return c, ok
}

type fixedResolver string

func (r fixedResolver) ResolveBackendID(context.Context, string, string) string { return string(r) }

// fakeBackend serves both session creation and prompts. replies is consumed
// in order; the last element repeats.
type fakeBackend struct {
	creates atomic.Int32
	prompts atomic.Int32

	mu       sync.Mutex
	replies  []func() (*backend.Reply, error)
	sessions []string
	payloads [][]byte
}

func (b *fakeBackend) CreateSession(context.Context, string, backend.SessionRequest) (*backend.SessionInfo, error) {
	n := b.creates.Add(1)
	return &backend.SessionInfo{ID: fmt.Sprintf("sess-%d", n)}, nil
}

func (b *fakeBackend) CloseSession(context.Context, string, string) error { return nil }

func (b *fakeBackend) SendPrompt(ctx context.Context, _ string, sessionID string, payload []byte, _ bool) (*backend.Reply, error) {
	n := int(b.prompts.Add(1))
	b.mu.Lock()
	b.sessions = append(b.sessions, sessionID)
	b.payloads = append(b.payloads, payload)
	i := n - 1
	if i >= len(b.replies) {
		i = len(b.replies) - 1
	}
	reply := b.replies[i]
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reply()
}

func body(s string) func() (*backend.Reply, error) {
	return func() (*backend.Reply, error) { return &backend.Reply{Body: []byte(s)}, nil }
}

func fail(err error) func() (*backend.Reply, error) {
	return func() (*backend.Reply, error) { return nil, err }
}

func sse(raw string) func() (*backend.Reply, error) {
	return func() (*backend.Reply, error) {
		return &backend.Reply{Stream: backend.NewChunkStream(io.NopCloser(strings.NewReader(raw)))}, nil
	}
}

func newTestForwarder(t *testing.T, b *fakeBackend) *Forwarder {
	t.Helper()
	st := store.NewMemoryStore(context.Background())
	t.Cleanup(st.Close)

	pool, err := session.NewPool(context.Background(), b, st, session.Options{PruneInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Shutdown)

	return New(fakeVault{"owner": "cred"}, fixedResolver("0xmodel"), pool, b, Options{SessionDuration: time.Hour})
}

func request(stream bool) Request {
	return Request{OwnerKey: "owner", Model: "gpt-4", Stream: stream, Payload: []byte(`{"model":"gpt-4","messages":[]}`)}
}

func TestSend_RetryThenFail(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){fail(backend.ErrEmptyBody)}}
	f := newTestForwarder(t, b)

	_, err := f.Send(context.Background(), request(false), nil)

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindBadGateway || ae.HTTPStatus() != 502 {
		t.Fatalf("expected bad_gateway 502, got %v", err)
	}
	if b.creates.Load() != 2 || b.prompts.Load() != 2 {
		t.Fatalf("creates=%d prompts=%d, want exactly one retry", b.creates.Load(), b.prompts.Load())
	}
	if b.sessions[0] == b.sessions[1] {
		t.Fatal("retry must use a fresh session")
	}
}

func TestSend_RetryThenSucceed(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){
		fail(&backend.StatusError{Op: "prompt", StatusCode: 400, Message: "Session expired"}),
		body(`{"id":"ok"}`),
	}}
	f := newTestForwarder(t, b)

	res, err := f.Send(context.Background(), request(false), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(res.Body) != `{"id":"ok"}` || res.Attempts != 2 || res.SessionID != "sess-2" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSend_ReusesSession(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){body(`{}`)}}
	f := newTestForwarder(t, b)

	for i := 0; i < 3; i++ {
		if _, err := f.Send(context.Background(), request(false), nil); err != nil {
			t.Fatal(err)
		}
	}
	if b.creates.Load() != 1 || b.prompts.Load() != 3 {
		t.Fatalf("creates=%d prompts=%d", b.creates.Load(), b.prompts.Load())
	}
}

func TestSend_PayloadForwardedUnchanged(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){body(`{}`)}}
	f := newTestForwarder(t, b)

	req := request(false)
	if _, err := f.Send(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
	if string(b.payloads[0]) != string(req.Payload) {
		t.Fatalf("payload altered: %s", b.payloads[0])
	}
}

func TestSend_MissingCredential(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){body(`{}`)}}
	f := newTestForwarder(t, b)

	req := request(false)
	req.OwnerKey = "stranger"
	_, err := f.Send(context.Background(), req, nil)
	if !apierr.IsKind(err, apierr.KindMissingCredential) {
		t.Fatalf("expected missing_credential, got %v", err)
	}
	if b.creates.Load() != 0 || b.prompts.Load() != 0 {
		t.Fatal("backend must not be contacted without a credential")
	}
}

func TestSend_ValidationFailures(t *testing.T) {
	f := newTestForwarder(t, &fakeBackend{replies: []func() (*backend.Reply, error){body(`{}`)}})

	req := request(false)
	req.Model = ""
	if _, err := f.Send(context.Background(), req, nil); !apierr.IsKind(err, apierr.KindValidation) {
		t.Errorf("empty model: %v", err)
	}
	req = request(false)
	req.OwnerKey = ""
	if _, err := f.Send(context.Background(), req, nil); !apierr.IsKind(err, apierr.KindAuthentication) {
		t.Errorf("empty owner: %v", err)
	}
}

func TestSend_NonRetryableFailsImmediately(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){
		fail(&backend.StatusError{Op: "prompt", StatusCode: 422, Message: "messages must not be empty"}),
	}}
	f := newTestForwarder(t, b)

	_, err := f.Send(context.Background(), request(false), nil)
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindValidation || ae.HTTPStatus() != 422 {
		t.Fatalf("expected validation 422, got %v", err)
	}
	if b.prompts.Load() != 1 {
		t.Fatalf("prompts=%d, want no retry", b.prompts.Load())
	}
}

func TestSend_CredentialRejected(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){
		fail(&backend.StatusError{Op: "prompt", StatusCode: 401, Message: "bad signature"}),
	}}
	f := newTestForwarder(t, b)

	_, err := f.Send(context.Background(), request(false), nil)
	if !apierr.IsKind(err, apierr.KindPermission) {
		t.Fatalf("expected permission_error, got %v", err)
	}
}

func TestSend_CanceledNotRetried(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){body(`{}`)}}
	f := newTestForwarder(t, b)

	// Warm the session so the cancelled call reaches SendPrompt.
	if _, err := f.Send(context.Background(), request(false), nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Send(ctx, request(false), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.prompts.Load() > 2 {
		t.Fatalf("cancelled request was retried: prompts=%d", b.prompts.Load())
	}
}

func TestSend_StreamingPassthroughByteIdentical(t *testing.T) {
	toolChunk := `{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"lookup","arguments":"{\"q\": \"é ✓\"}"}}]},"finish_reason":null}]}`
	final := `{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`

	b := &fakeBackend{replies: []func() (*backend.Reply, error){
		sse("data: " + toolChunk + "\n\ndata: " + final + "\n\ndata: [DONE]\n\n"),
	}}
	f := newTestForwarder(t, b)

	var got []string
	res, err := f.Send(context.Background(), request(true), func(c []byte) error {
		got = append(got, string(c))
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 2 || got[0] != toolChunk || got[1] != final {
		t.Fatalf("chunks altered: %q", got)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts=%d", res.Attempts)
	}
}

func TestSend_EmptyStreamRetried(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){
		sse("data: [DONE]\n\n"),
		sse("data: {\"n\":1}\n\ndata: [DONE]\n\n"),
	}}
	f := newTestForwarder(t, b)

	res, err := f.Send(context.Background(), request(true), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Chunks) != 1 || string(res.Chunks[0]) != `{"n":1}` || b.creates.Load() != 2 {
		t.Fatalf("chunks=%q creates=%d", res.Chunks, b.creates.Load())
	}
}

func TestSend_CallbackErrorStops(t *testing.T) {
	b := &fakeBackend{replies: []func() (*backend.Reply, error){
		sse("data: 1\n\ndata: 2\n\ndata: 3\n\n"),
	}}
	f := newTestForwarder(t, b)

	calls := 0
	stop := errors.New("client gone")
	_, err := f.Send(context.Background(), request(true), func([]byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err       error
		fault     string
		retryable bool
	}{
		{backend.ErrEmptyBody, FaultEmptyBody, true},
		{fmt.Errorf("wrapped: %w", backend.ErrEmptyBody), FaultEmptyBody, true},
		{&backend.StatusError{StatusCode: 400, Message: "session not found"}, FaultSessionInvalid, true},
		{&backend.StatusError{StatusCode: 400, Message: "SESSION CLOSED"}, FaultSessionInvalid, true},
		{&backend.StatusError{StatusCode: 410, Message: "gone"}, FaultSessionInvalid, true},
		{&backend.StatusError{StatusCode: 503, Message: "unavailable"}, FaultBackend5xx, true},
		{&backend.StatusError{StatusCode: 400, Message: "invalid messages"}, FaultBackend4xx, false},
		{fmt.Errorf("read: %w", syscall.ECONNRESET), FaultConnection, true},
		{io.ErrUnexpectedEOF, FaultConnection, true},
		{context.Canceled, FaultCanceled, false},
		{context.DeadlineExceeded, FaultTimeout, false},
		{session.ErrNoCredential, FaultCredential, false},
		{apierr.MissingCredential(), FaultCredential, false},
		{apierr.Validation("model", "x"), FaultValidation, false},
		{errors.New("mystery"), FaultUnknown, false},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.fault {
			t.Errorf("classifyError(%v) = %s, want %s", tt.err, got, tt.fault)
		}
		if got := isRetryable(tt.err); got != tt.retryable {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}
