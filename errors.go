package mqexplorer

import "fmt"

// ConnectionError reports a transport or authentication failure during
// Connect. The adapter leaves no partially-open resources behind it.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotConnectedError reports an operation attempted outside the
// Connected state.
type NotConnectedError struct {
	Provider string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s: not connected", e.Provider)
}

// NotFoundError reports a referenced message id or queue absent from
// the cache or the broker.
type NotFoundError struct {
	Queue string
	ID    string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("message %q not found on queue %q", e.ID, e.Queue)
	}
	return fmt.Sprintf("queue %q not found", e.Queue)
}

// ManagementError reports a malformed or failing management-protocol
// response.
type ManagementError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *ManagementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("management %s: %s: %v", e.Operation, e.Reason, e.Err)
	}
	return fmt.Sprintf("management %s: %s", e.Operation, e.Reason)
}

func (e *ManagementError) Unwrap() error { return e.Err }

// UnsupportedOperationError reports an operation with no meaningful
// broker-native realization.
type UnsupportedOperationError struct {
	Provider  string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %s is not supported", e.Provider, e.Operation)
}

// ValidationError reports malformed connection parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid connection parameters: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid connection parameters: %s", e.Reason)
}
