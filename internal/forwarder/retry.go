package forwarder

import (
	"context"
	"errors"
	"io"
	"strings"
	"syscall"

	"github.com/nulpointcorp/session-gateway/internal/backend"
	"github.com/nulpointcorp/session-gateway/internal/session"
	"github.com/nulpointcorp/session-gateway/pkg/apierr"
)

// Fault classes used for retry decisions, metrics and logs.
const (
	FaultCanceled       = "canceled"
	FaultTimeout        = "timeout"
	FaultEmptyBody      = "empty_body"
	FaultSessionInvalid = "session_invalid"
	FaultConnection     = "connection_reset"
	FaultBackend5xx     = "backend_5xx"
	FaultBackend4xx     = "backend_4xx"
	FaultCredential     = "missing_credential"
	FaultValidation     = "validation"
	FaultUnknown        = "unknown"
)

var sessionInvalidMarkers = []string{"expired", "not found", "closed", "invalid"}

// isRetryable reports whether err is worth one more attempt on a fresh
// session. It is the only place that decides.
func isRetryable(err error) bool {
	switch classifyError(err) {
	case FaultEmptyBody, FaultSessionInvalid, FaultConnection, FaultBackend5xx:
		return true
	default:
		return false
	}
}

// classifyError maps err onto one of the Fault* classes.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return FaultCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return FaultTimeout
	case errors.Is(err, session.ErrNoCredential), apierr.IsKind(err, apierr.KindMissingCredential):
		return FaultCredential
	case errors.Is(err, session.ErrNoModel),
		apierr.IsKind(err, apierr.KindValidation),
		apierr.IsKind(err, apierr.KindAuthentication),
		apierr.IsKind(err, apierr.KindPermission):
		return FaultValidation
	case errors.Is(err, backend.ErrEmptyBody):
		return FaultEmptyBody
	}

	var serr *backend.StatusError
	if errors.As(err, &serr) {
		switch {
		case serr.StatusCode == 410 || isSessionInvalid(serr.Message):
			return FaultSessionInvalid
		case serr.StatusCode >= 500:
			return FaultBackend5xx
		default:
			return FaultBackend4xx
		}
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		strings.Contains(strings.ToLower(err.Error()), "connection reset") {
		return FaultConnection
	}

	return FaultUnknown
}

func isSessionInvalid(message string) bool {
	msg := strings.ToLower(message)
	if !strings.Contains(msg, "session") {
		return false
	}
	for _, m := range sessionInvalidMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// toAPIError converts a final failure into the caller-visible taxonomy. Any
// failure after a retry is a gateway fault.
func toAPIError(err error, retried bool) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}

	fault := classifyError(err)
	if fault == FaultCanceled {
		return err
	}
	if retried {
		return apierr.BadGateway("backend request failed after retry on a fresh session ("+fault+")", err)
	}

	switch fault {
	case FaultCredential:
		return apierr.MissingCredential()
	case FaultValidation:
		return apierr.Validation("model", err.Error())
	case FaultTimeout:
		return apierr.BadGateway("backend request timed out", err)
	}

	var serr *backend.StatusError
	if fault == FaultBackend4xx && errors.As(err, &serr) {
		if serr.StatusCode == 401 || serr.StatusCode == 403 {
			e := apierr.Permission("backend rejected the registered credential: " + serr.Message)
			e.Err = err
			return e
		}
		e := apierr.Validation("", serr.Message)
		e.Status = serr.StatusCode
		e.Err = err
		return e
	}

	return apierr.BadGateway("backend request failed ("+fault+")", err)
}
