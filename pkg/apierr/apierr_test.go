package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var env struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("invalid envelope %s: %v", data, err)
	}
	return env.Error
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{Validation("model", "required"), 400},
		{MissingCredential(), 400},
		{Authentication("bad key"), 401},
		{Permission("denied"), 403},
		{BadGateway("empty body", nil), 502},
		{BadGateway("slow", context.DeadlineExceeded), 504},
		{Internal(errors.New("boom")), 500},
		{NotFound("id", "no such session"), 404},
		{RateLimited(), 429},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFrom_WrapsUnknownAsInternal(t *testing.T) {
	e := From(errors.New("disk on fire"))
	if e.Kind != KindInternal {
		t.Fatalf("expected internal_error, got %s", e.Kind)
	}
}

func TestFrom_UnwrapsClassified(t *testing.T) {
	orig := Validation("messages", "required")
	wrapped := fmt.Errorf("forwarder: %w", orig)
	if got := From(wrapped); got != orig {
		t.Fatalf("expected original error, got %v", got)
	}
	if !IsKind(wrapped, KindValidation) {
		t.Error("IsKind should see through wrapping")
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteError(ctx, Internal(errors.New("aes: key=deadbeef")), false)

	if ctx.Response.StatusCode() != 500 {
		t.Fatalf("expected 500, got %d", ctx.Response.StatusCode())
	}
	body := decode(t, ctx.Response.Body())
	if body["message"] != genericInternalMessage {
		t.Errorf("internal detail leaked: %v", body["message"])
	}
	if body["type"] != "internal_error" {
		t.Errorf("unexpected type %v", body["type"])
	}
}

func TestWriteError_DebugShowsCause(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteError(ctx, Internal(errors.New("boom")), true)
	body := decode(t, ctx.Response.Body())
	if body["message"] != "boom" {
		t.Errorf("expected cause in debug mode, got %v", body["message"])
	}
}

func TestMarshal_EnvelopeShape(t *testing.T) {
	body := decode(t, Marshal("field 'model' is required", KindValidation, "model", CodeInvalidRequest))
	for _, k := range []string{"message", "type", "param", "code"} {
		if _, ok := body[k]; !ok {
			t.Errorf("envelope missing %q", k)
		}
	}
	if body["param"] != "model" {
		t.Errorf("param = %v", body["param"])
	}

	body = decode(t, Marshal("x", KindBadGateway, "", CodeBackendError))
	if v, ok := body["param"]; !ok || v != nil {
		t.Errorf("empty param should encode as null, got %v", v)
	}
}
