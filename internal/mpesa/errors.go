package mpesa

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrInProgress means the provider has not resolved the push yet. Not a fault.
var ErrInProgress = errors.New("push payment is still being processed")

// AuthError is a failed token acquisition or a rejected bearer token.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpesa auth failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("mpesa auth failed (status %d): %s", e.StatusCode, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderError is a definitive rejection by the provider.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mpesa rejected request (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
}

// NetworkError wraps transport failures and timeouts. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("mpesa %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline rather than a refused connection.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
