package chat

import (
	"context"
	"errors"
	"fmt"
)

// TransportError is a network or HTTP level failure establishing or reading
// an exchange.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("chat: request failed with status %d: %s", e.StatusCode, e.Body)
	}
	return "chat: request failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ToolExecutionError is a failure raised by the client-side tool hook.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("chat: tool %q: %s", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// isAbort reports whether err is a caller-initiated cancellation, which
// resolves an exchange without surfacing an error.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}
