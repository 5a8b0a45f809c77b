package mqexplorer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTracker_Lifecycle(t *testing.T) {
	var tr StateTracker
	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.Connected())

	tr.SetState(StateConnecting)
	assert.Equal(t, StateConnecting, tr.State())
	assert.False(t, tr.Connected())

	tr.SetState(StateConnected)
	assert.True(t, tr.Connected())
	assert.NoError(t, tr.EnsureConnected("test"))

	tr.SetState(StateDisconnected)
	err := tr.EnsureConnected("test")
	var ncErr *NotConnectedError
	assert.ErrorAs(t, err, &ncErr)
	assert.Equal(t, "test", ncErr.Provider)
}

func TestStateTracker_FailRecordsError(t *testing.T) {
	var tr StateTracker
	tr.SetState(StateConnecting)
	tr.Fail("dial tcp: connection refused")

	assert.Equal(t, StateError, tr.State())
	assert.Equal(t, "dial tcp: connection refused", tr.LastError())

	// The next transition clears the recorded error.
	tr.SetState(StateDisconnected)
	assert.Empty(t, tr.LastError())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}

func TestBrowseOptions_Limit(t *testing.T) {
	assert.Equal(t, DefaultBrowseLimit, BrowseOptions{}.limit())
	assert.Equal(t, DefaultBrowseLimit, BrowseOptions{Limit: -1}.limit())
	assert.Equal(t, 7, BrowseOptions{Limit: 7}.limit())
}

func TestMatchFilter(t *testing.T) {
	assert.True(t, MatchFilter("orders.incoming", ""))
	assert.True(t, MatchFilter("orders.incoming", "ORDERS"))
	assert.True(t, MatchFilter("Orders.Incoming", "incoming"))
	assert.False(t, MatchFilter("orders.incoming", "billing"))
}

func TestDeleteEach_BestEffort(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()
	assert.NoError(t, p.Connect(ctx))

	assert.NoError(t, p.PutMessage(ctx, "q", []byte("one"), nil))
	assert.NoError(t, p.PutMessage(ctx, "q", []byte("two"), nil))

	msgs, err := p.BrowseMessages(ctx, "q", BrowseOptions{})
	assert.NoError(t, err)
	assert.Len(t, msgs, 2)

	ids := []string{msgs[0].ID, "no-such-id", msgs[1].ID}
	result := DeleteEach(ctx, p, "q", ids)

	assert.Equal(t, 2, result.Succeeded)
	assert.Len(t, result.Results, 2)
	assert.Len(t, result.Failures, 1)
	var nfErr *NotFoundError
	assert.ErrorAs(t, result.Failures["no-such-id"], &nfErr)
}
