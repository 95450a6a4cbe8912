package recognition

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNameRequired is returned when a registration has no usable name.
	ErrNameRequired = &ValidationError{Field: "name", Message: "Name is required"}
	// ErrImageRequired is returned when a submission carries no image.
	ErrImageRequired = &ValidationError{Field: "image", Message: "At least one image is required"}
	// ErrImageTooLarge is returned when a prepared image exceeds the transmission bound.
	ErrImageTooLarge = &ValidationError{Field: "image", Message: "Image is too large to upload"}
)

// ValidationError is a locally detected or server-reported input problem. It
// is never retried and its message is shown verbatim.
type ValidationError struct {
	Field   string
	Message string
	// StatusCode is set when the error was reported by the backend.
	StatusCode int
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// Is matches any ValidationError with the same field and message so that
// server-reported copies of the sentinels compare equal.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Field == e.Field && t.Message == e.Message
}

// TransientNetworkError is a timeout, connection failure or 5xx response. It is
// retried inside the submission layer and surfaces only after retries run out.
type TransientNetworkError struct {
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient network error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by an attempt deadline.
func (e *TransientNetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// BackendError is a non-retryable rejection other than validation, such as an
// unexpected 4xx or an undecodable response body.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend rejected request (status %d): %s", e.StatusCode, e.Message)
}

// DecodeError describes an image that could not be decoded or re-encoded.
// Preprocessing swallows it and degrades to passthrough.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "image decode failed: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// DeviceError wraps a capture device failure that aborts the active burst.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// UserMessage renders err for an operator. Validation messages are shown
// verbatim; everything else maps to a fixed human-readable cause unless
// detailed is set, in which case the internal error text is appended.
func UserMessage(err error, detailed bool) string {
	if err == nil {
		return ""
	}

	var (
		validation *ValidationError
		transient  *TransientNetworkError
		backend    *BackendError
		device     *DeviceError
		decode     *DecodeError
		msg        string
	)
	switch {
	case errors.As(err, &validation):
		return validation.Message
	case errors.As(err, &transient):
		if transient.Timeout() {
			msg = "The recognition service took too long to respond. Please try again."
		} else {
			msg = "The recognition service is unreachable right now. Please try again shortly."
		}
	case errors.As(err, &backend):
		msg = "The recognition service could not process this request."
	case errors.As(err, &device):
		msg = "The camera is not available. Check the device and try again."
	case errors.As(err, &decode):
		msg = "The image could not be read. Try a different photo."
	case errors.Is(err, context.Canceled):
		msg = "The request was cancelled."
	default:
		msg = "Something went wrong. Please try again."
	}

	if detailed {
		return msg + " (" + err.Error() + ")"
	}
	return msg
}
