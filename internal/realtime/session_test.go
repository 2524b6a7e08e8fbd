package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("user-1", "device-A", newFakeTransport())
	assert.Equal(t, StateConnecting, s.State())
	assert.NotEmpty(t, s.ID)

	s.open()
	assert.Equal(t, StateOpen, s.State())

	assert.True(t, s.BeginClose())
	assert.Equal(t, StateClosing, s.State())
	assert.False(t, s.BeginClose(), "second close attempt reports already closing")

	s.finishClose()
	assert.Equal(t, StateClosed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}

	// finishClose is safe to repeat.
	s.finishClose()
}

func TestSessionEnqueueOnlyWhenOpen(t *testing.T) {
	s := NewSession("user-1", "device-A", newFakeTransport())

	assert.False(t, s.Enqueue([]byte(`{}`)), "connecting sessions receive nothing")

	s.open()
	assert.True(t, s.Enqueue([]byte(`{}`)))

	s.BeginClose()
	assert.False(t, s.Enqueue([]byte(`{}`)), "closing sessions receive nothing")
}

func TestSessionEnqueueDropsWhenBufferFull(t *testing.T) {
	s := NewSession("user-1", "device-A", newFakeTransport())
	s.open()

	for i := 0; i < sendBuffer; i++ {
		require.True(t, s.Enqueue([]byte(`{}`)))
	}
	assert.False(t, s.Enqueue([]byte(`{}`)), "full buffer drops instead of blocking")
}

func TestSessionTouchUpdatesLastActive(t *testing.T) {
	s := NewSession("user-1", "device-A", newFakeTransport())
	at := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	s.Touch(at)
	assert.Equal(t, at, s.LastActive().UTC())
}

func TestSessionCloseWithReasonClosesTransport(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession("user-1", "device-A", transport)
	s.open()

	s.CloseWithReason(1001, "idle timeout")

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.True(t, transport.closed)
	assert.Equal(t, StateClosing, s.State())
}
