package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/example/face-capture/internal/recognition"
)

// classifyTransportError wraps connection failures and attempt timeouts as
// transient. Cancellation of the caller's context is returned as-is.
func classifyTransportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if isTransientError(err) {
		return &recognition.TransientNetworkError{Err: err}
	}
	return err
}

func isRetryable(err error) bool {
	var transient *recognition.TransientNetworkError
	return errors.As(err, &transient)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
