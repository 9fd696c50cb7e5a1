package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Kind classifies every error Milton surfaces. The set is closed: new
// failure modes get a new Kind rather than a free-form string.
type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindInferenceUnavailable   Kind = "InferenceUnavailable"
	KindInferenceTimeout       Kind = "InferenceTimeout"
	KindMemoryStoreUnavailable Kind = "MemoryStoreUnavailable"
	KindIntentAmbiguous        Kind = "IntentAmbiguous"
	KindChecksumMismatch       Kind = "ChecksumMismatch"
	KindLoadTestFailed         Kind = "LoadTestFailed"
	KindBundleMalformed        Kind = "BundleMalformed"
	KindRegistryConflict       Kind = "RegistryConflict"
	KindThresholdRejected      Kind = "ThresholdRejected"
	KindNoCandidate            Kind = "NoCandidate"
	KindDeploymentExists       Kind = "DeploymentExists"
	KindIO                     Kind = "IOError"
	KindCancelledByClient      Kind = "CancelledByClient"
	KindInternal               Kind = "InternalError"
)

// Error carries a Kind plus an operator-facing message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. Returns nil
// when err is nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the unwrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if os.IsNotExist(err) || os.IsPermission(err) {
		return KindIO
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether retrying the operation may succeed.
// Network-level failures and explicit inference availability errors are
// transient; everything validation-shaped is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindInferenceUnavailable, KindInferenceTimeout, KindMemoryStoreUnavailable:
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || !errors.As(err, new(*Error))
	}
	return false
}

// HTTPStatus maps an error kind to the HTTP status the gateway returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindIntentAmbiguous:
		return http.StatusBadRequest
	case KindInferenceUnavailable, KindMemoryStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindInferenceTimeout:
		return http.StatusGatewayTimeout
	case KindNoCandidate:
		return http.StatusNotFound
	case KindDeploymentExists, KindRegistryConflict:
		return http.StatusConflict
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to the CLI exit code contract: 0 success,
// 2 validation failure, 3 I/O error, 4 no candidate.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindThresholdRejected, KindChecksumMismatch, KindLoadTestFailed, KindValidation, KindBundleMalformed:
		return 2
	case KindNoCandidate:
		return 4
	default:
		return 3
	}
}
