// Package apierr provides the gateway error taxonomy and renders errors in the
// OpenAI-compatible envelope:
//
//	{"error": {"message": "...", "type": "...", "param": "...", "code": "..."}}
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind is the error type reported in the envelope "type" field.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindMissingCredential Kind = "missing_credential"
	KindAuthentication    Kind = "authentication_error"
	KindPermission        Kind = "permission_error"
	KindRateLimit         Kind = "rate_limit_error"
	KindBadGateway        Kind = "bad_gateway"
	KindInternal          Kind = "internal_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeMissingCredential = "missing_credential"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodePermissionDenied  = "permission_denied"
	CodeBackendError      = "backend_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInternalError     = "internal_error"
	CodeNotFound          = "not_found"
	CodeRateLimited       = "rate_limit_exceeded"
)

// genericInternalMessage replaces internal error details outside debug mode.
const genericInternalMessage = "internal server error"

// missingCredentialMessage tells the caller how to fix the problem.
const missingCredentialMessage = "no backend credential registered for this API key; " +
	"register one with PUT /v1/credentials before sending requests"

type (
	// Error is a classified, caller-visible failure.
	Error struct {
		Kind    Kind
		Message string
		Param   string
		Code    string

		// Status overrides the status derived from Kind when non-zero.
		Status int

		// Err is the underlying cause. It is never rendered to clients.
		Err error
	}

	body struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	}
	envelope struct {
		Error body `json:"error"`
	}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to the status code returned to clients.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation, KindMissingCredential:
		return fasthttp.StatusBadRequest
	case KindAuthentication:
		return fasthttp.StatusUnauthorized
	case KindPermission:
		return fasthttp.StatusForbidden
	case KindRateLimit:
		return fasthttp.StatusTooManyRequests
	case KindBadGateway:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Validation reports a client-caused request problem on param.
func Validation(param, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Param: param, Code: CodeInvalidRequest}
}

// MissingCredential reports that the caller never registered a secret.
func MissingCredential() *Error {
	return &Error{Kind: KindMissingCredential, Message: missingCredentialMessage, Code: CodeMissingCredential}
}

// Authentication reports an invalid or revoked owner key.
func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Code: CodeInvalidAPIKey}
}

// Permission reports an owner key without access to the resource.
func Permission(message string) *Error {
	return &Error{Kind: KindPermission, Message: message, Code: CodePermissionDenied}
}

// RateLimited reports an owner key over its request budget.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimit, Message: "rate limit exceeded, retry later", Code: CodeRateLimited}
}

// BadGateway reports a backend fault. Deadline errors become 504.
func BadGateway(message string, cause error) *Error {
	e := &Error{Kind: KindBadGateway, Message: message, Code: CodeBackendError, Err: cause}
	if errors.Is(cause, context.DeadlineExceeded) {
		e.Status = fasthttp.StatusGatewayTimeout
		e.Code = CodeRequestTimeout
	}
	return e
}

// Internal reports an unexpected fault inside the gateway.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: genericInternalMessage, Code: CodeInternalError, Err: cause}
}

// NotFound is a validation error for a missing resource addressed by param.
func NotFound(param, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Param:   param,
		Code:    CodeNotFound,
		Status:  fasthttp.StatusNotFound,
	}
}

// From converts any error into an *Error. Unclassified errors become
// internal errors.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Write writes the error envelope as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string, kind Kind, param, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Marshal(message, kind, param, code))
}

// WriteError classifies err and writes it. With debug=false internal errors
// never expose their cause.
func WriteError(ctx *fasthttp.RequestCtx, err error, debug bool) {
	e := From(err)
	msg := e.Message
	if e.Kind == KindInternal {
		msg = genericInternalMessage
		if debug && e.Err != nil {
			msg = e.Err.Error()
		}
	}
	Write(ctx, e.HTTPStatus(), msg, e.Kind, e.Param, e.Code)
}

// Marshal renders the envelope. An empty param is encoded as null.
func Marshal(message string, kind Kind, param, code string) []byte {
	var p *string
	if param != "" {
		p = &param
	}
	data, _ := json.Marshal(envelope{Error: body{
		Message: message,
		Type:    string(kind),
		Param:   p,
		Code:    code,
	}})
	return data
}
