// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// Tests for the connection registry and broadcast fan-out

package hub

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
	"github.com/parleyhq/parley/services/coordinator/observability"
)

// fakeTransport records sends and can be told to fail or to run a
// callback on each send (to simulate re-entrant registry calls).
type fakeTransport struct {
	mu      sync.Mutex
	sent    []any
	failErr error
	onSend  func(v any)
	closed  bool
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	cb := f.onSend
	err := f.failErr
	if err == nil {
		f.sent = append(f.sent, v)
	}
	f.mu.Unlock()

	if cb != nil {
		cb(v)
	}
	return err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestRegistry() *Registry {
	return NewRegistryWithMetrics(
		observability.NewCoordinatorMetrics(prometheus.NewRegistry()))
}

// =============================================================================
// Connect / Disconnect
// =============================================================================

func TestConnect_AssignsUniqueIDs(t *testing.T) {
	r := newTestRegistry()

	id1 := r.Connect("s1", &fakeTransport{}, "u1")
	id2 := r.Connect("s1", &fakeTransport{}, "u2")

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, r.ConnectionCount("s1"))
}

func TestDisconnect_ReturnsParticipantAndClosesTransport(t *testing.T) {
	r := newTestRegistry()
	transport := &fakeTransport{}
	connID := r.Connect("s1", transport, "u1")

	pid, existed := r.Disconnect("s1", connID)
	assert.True(t, existed)
	assert.Equal(t, "u1", pid)
	assert.True(t, transport.closed)
	assert.Equal(t, 0, r.ConnectionCount("s1"))

	// Second disconnect is a no-op.
	_, existed = r.Disconnect("s1", connID)
	assert.False(t, existed)
}

func TestUpdateParticipant(t *testing.T) {
	r := newTestRegistry()
	connID := r.Connect("s1", &fakeTransport{}, "")

	require.NoError(t, r.UpdateParticipant("s1", connID, "u1"))
	conns := r.Connections("s1")
	require.Len(t, conns, 1)
	assert.Equal(t, "u1", conns[0].ParticipantID)

	err := r.UpdateParticipant("s1", "ghost", "u2")
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))
}

func TestParticipantConnections_CountsMultipleTabs(t *testing.T) {
	r := newTestRegistry()
	r.Connect("s1", &fakeTransport{}, "u1")
	r.Connect("s1", &fakeTransport{}, "u1")
	r.Connect("s1", &fakeTransport{}, "u2")

	assert.Equal(t, 2, r.ParticipantConnections("s1", "u1"))
	assert.Equal(t, 1, r.ParticipantConnections("s1", "u2"))
	assert.Equal(t, 0, r.ParticipantConnections("s1", ""))
}

// =============================================================================
// Broadcast
// =============================================================================

func TestBroadcast_DeliversToAllExceptSkipped(t *testing.T) {
	r := newTestRegistry()
	t1, t2, t3 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	id1 := r.Connect("s1", t1, "u1")
	r.Connect("s1", t2, "u2")
	r.Connect("s1", t3, "u3")

	delivered := r.Broadcast("s1", "meeting_state", "msg", id1)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, t1.sentCount())
	assert.Equal(t, 1, t2.sentCount())
	assert.Equal(t, 1, t3.sentCount())
}

func TestBroadcast_FailedSendPrunesConnection(t *testing.T) {
	r := newTestRegistry()
	good := &fakeTransport{}
	bad := &fakeTransport{failErr: errors.New("broken pipe")}
	r.Connect("s1", good, "u1")
	r.Connect("s1", bad, "u2")

	delivered := r.Broadcast("s1", "meeting_state", "msg", "")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, r.ConnectionCount("s1"), "failed connection must be pruned")
	assert.True(t, bad.closed)

	// A later broadcast does not retry the pruned connection.
	delivered = r.Broadcast("s1", "meeting_state", "again", "")
	assert.Equal(t, 1, delivered)
}

func TestBroadcast_SendCallbackMayDisconnectAnotherConnection(t *testing.T) {
	r := newTestRegistry()

	// The first transport's send handler disconnects the second connection
	// mid-broadcast. The third connection must still receive the message.
	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	t3 := &fakeTransport{}

	r.Connect("s1", t1, "u1")
	id2 := r.Connect("s1", t2, "u2")
	r.Connect("s1", t3, "u3")

	t1.onSend = func(any) {
		r.Disconnect("s1", id2)
	}

	// The iteration snapshot was taken before the disconnect, so t2 may or
	// may not receive this message, but the fan-out must complete without
	// deadlock and t3 must be reached.
	r.Broadcast("s1", "meeting_state", "msg", "")
	assert.Equal(t, 1, t1.sentCount())
	assert.Equal(t, 1, t3.sentCount())
	assert.Equal(t, 2, r.ConnectionCount("s1"))
}

func TestBroadcast_EmptySessionDeliversNothing(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, 0, r.Broadcast("ghost", "meeting_state", "msg", ""))
}

// =============================================================================
// SendTo
// =============================================================================

func TestSendTo_UnknownConnectionIsNotFound(t *testing.T) {
	r := newTestRegistry()
	err := r.SendTo("s1", "ghost", "msg")
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))
}

func TestSendTo_FailurePrunes(t *testing.T) {
	r := newTestRegistry()
	bad := &fakeTransport{failErr: errors.New("broken pipe")}
	connID := r.Connect("s1", bad, "u1")

	err := r.SendTo("s1", connID, "msg")
	assert.Error(t, err)
	assert.Equal(t, 0, r.ConnectionCount("s1"))
}

func TestConnections_SortedByConnectionID(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 5; i++ {
		r.Connect("s1", &fakeTransport{}, "")
	}
	conns := r.Connections("s1")
	require.Len(t, conns, 5)
	for i := 1; i < len(conns); i++ {
		assert.Less(t, conns[i-1].ConnectionID, conns[i].ConnectionID)
	}
}

func TestBroadcast_ClientRelayTypesShareOneMetricLabel(t *testing.T) {
	metrics := observability.NewCoordinatorMetrics(prometheus.NewRegistry())
	r := NewRegistryWithMetrics(metrics)
	r.Connect("s1", &fakeTransport{}, "u1")

	// Caller-chosen relay types must not each mint a new label value.
	r.Broadcast("s1", "cursor_moved", "x", "")
	r.Broadcast("s1", "emoji_reaction", "x", "")
	r.Broadcast("s1", datatypes.MsgMeetingState, "x", "")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BroadcastsTotal.WithLabelValues("relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BroadcastsTotal.WithLabelValues(datatypes.MsgMeetingState)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BroadcastsTotal.WithLabelValues("cursor_moved")))
}
