package mqexplorer

import (
	"context"
	"sync"
)

// Provider is the uniform contract every broker adapter implements.
// An instance owns exactly one connection and one message cache; it is
// created from a ConnectionProfile and discarded after Disconnect.
type Provider interface {
	// Connect establishes the physical connection to the broker.
	Connect(ctx context.Context) error
	// Disconnect releases all transport handles and clears the cache.
	// It is idempotent and never fails the caller; resource release
	// errors are logged only.
	Disconnect(ctx context.Context) error
	// IsConnected reports whether the provider is in the Connected state.
	IsConnected() bool
	// State returns the current connection state.
	State() ConnectionState

	ListQueues(ctx context.Context, filter string) ([]QueueInfo, error)
	ListTopics(ctx context.Context, filter string) ([]TopicInfo, error)

	// BrowseMessages peeks at most opts.Limit messages without removing
	// them, skipping the first opts.StartPosition matches. Every returned
	// message is recorded in the provider's cache.
	BrowseMessages(ctx context.Context, queue string, opts BrowseOptions) ([]Message, error)

	PutMessage(ctx context.Context, queue string, payload []byte, props *MessageProperties) error
	PublishMessage(ctx context.Context, topic string, payload []byte, props *MessageProperties) error

	// ClearQueue removes all messages from the destination and drops the
	// corresponding cache entries.
	ClearQueue(ctx context.Context, queue string) error

	// DeleteMessage removes a previously browsed message. The id must be
	// present in the cache for the queue, otherwise NotFoundError.
	// The result reports whether the message was physically removed or
	// only hidden from future browses (protocols without targeted
	// deletion).
	DeleteMessage(ctx context.Context, queue, id string) (DeleteResult, error)
	// DeleteMessages applies DeleteMessage per id, best effort: a failure
	// on one id does not abort the remaining ids.
	DeleteMessages(ctx context.Context, queue string, ids []string) (BatchDeleteResult, error)

	GetQueueProperties(ctx context.Context, queue string) (*QueueProperties, error)
	GetTopicProperties(ctx context.Context, topic string) (*TopicProperties, error)
	// GetQueueDepth is a convenience over GetQueueProperties.
	GetQueueDepth(ctx context.Context, queue string) (int64, error)

	// String returns the name of the provider implementation.
	String() string
}

// ConnectionState models the adapter connection lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// BrowseOptions controls a non-destructive browse.
type BrowseOptions struct {
	// Limit is the maximum number of messages to return. Zero means
	// DefaultBrowseLimit.
	Limit int
	// StartPosition is the number of matching messages to skip.
	StartPosition int
	// Filter is a case-insensitive substring match applied to the
	// message payload before StartPosition/Limit accounting.
	Filter string
}

// DefaultBrowseLimit bounds a browse when the caller passes no limit.
const DefaultBrowseLimit = 50

func (o BrowseOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultBrowseLimit
	}
	return o.Limit
}

// DeleteEach is the shared best-effort implementation of
// Provider.DeleteMessages: sequential per-id deletion where a failure
// on one id never aborts the remaining ids. The aggregate reports how
// many succeeded and the per-id failures.
func DeleteEach(ctx context.Context, p Provider, queue string, ids []string) BatchDeleteResult {
	result := BatchDeleteResult{
		Results:  make([]DeleteResult, 0, len(ids)),
		Failures: make(map[string]error),
	}
	for _, id := range ids {
		res, err := p.DeleteMessage(ctx, queue, id)
		if err != nil {
			result.Failures[id] = err
			continue
		}
		result.Results = append(result.Results, res)
		result.Succeeded++
	}
	return result
}

// StateTracker is the connection state machine shared by all adapters.
// Transitions: Disconnected -> Connecting -> Connected -> Disconnected,
// with Connecting -> Error -> Disconnected on failure. The zero value
// is Disconnected and ready to use.
type StateTracker struct {
	mu    sync.RWMutex
	state ConnectionState
	// last error message recorded on a failed connect
	errMsg string
}

// State returns the current state.
func (t *StateTracker) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SetState moves the machine to s, clearing any recorded error.
func (t *StateTracker) SetState(s ConnectionState) {
	t.mu.Lock()
	t.state = s
	if s != StateError {
		t.errMsg = ""
	}
	t.mu.Unlock()
}

// Fail records the Error branch of a failed connect with its message.
func (t *StateTracker) Fail(msg string) {
	t.mu.Lock()
	t.state = StateError
	t.errMsg = msg
	t.mu.Unlock()
}

// LastError returns the message recorded by the last Fail.
func (t *StateTracker) LastError() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errMsg
}

// Connected reports whether the machine is in the Connected state.
func (t *StateTracker) Connected() bool {
	return t.State() == StateConnected
}

// EnsureConnected gates every operation other than Connect/IsConnected.
func (t *StateTracker) EnsureConnected(provider string) error {
	if !t.Connected() {
		return &NotConnectedError{Provider: provider}
	}
	return nil
}
