package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/protocol"
	"github.com/realcast/chatcore/internal/registry"
)

type captureSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *captureSink) TrySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return true
}

func (s *captureSink) Close(string) {}

func (s *captureSink) viewerCounts(t *testing.T) []protocol.ServerFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ServerFrame
	for _, raw := range s.frames {
		var f protocol.ServerFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type == protocol.TypeViewerCount {
			out = append(out, f)
		}
	}
	return out
}

func join(t *testing.T, rooms *registry.Registry, userID, roomID string) (*registry.Connection, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	conn := registry.NewConnection(domain.Principal{TenantID: "t1", UserID: userID}, sink)
	rooms.Join(roomID, conn)
	return conn, sink
}

func TestTick_BroadcastsCountToEveryMember(t *testing.T) {
	rooms := registry.New()
	agg := New(rooms, clockwork.NewFakeClock(), 5*time.Second)

	_, aliceSink := join(t, rooms, "alice", "r1")
	_, bobSink := join(t, rooms, "bob", "r1")

	agg.tick()

	for _, sink := range []*captureSink{aliceSink, bobSink} {
		frames := sink.viewerCounts(t)
		require.Len(t, frames, 1)
		assert.Equal(t, "r1", frames[0].RoomID)
		assert.Equal(t, 2, frames[0].Count)
		assert.Equal(t, 2, frames[0].Peak)
	}
}

func TestTick_PeakSurvivesDepartures(t *testing.T) {
	rooms := registry.New()
	agg := New(rooms, clockwork.NewFakeClock(), 5*time.Second)

	_, aliceSink := join(t, rooms, "alice", "r1")
	bob, _ := join(t, rooms, "bob", "r1")
	carol, _ := join(t, rooms, "carol", "r1")

	agg.tick()
	rooms.Disconnect(bob, "gone")
	rooms.Disconnect(carol, "gone")
	agg.tick()

	frames := aliceSink.viewerCounts(t)
	require.Len(t, frames, 2)
	assert.Equal(t, 3, frames[0].Count)
	assert.Equal(t, 3, frames[0].Peak)
	assert.Equal(t, 1, frames[1].Count)
	assert.Equal(t, 3, frames[1].Peak, "peak is sticky while the room lives")
}

func TestTick_PeakResetsWhenRoomIsReclaimed(t *testing.T) {
	rooms := registry.New()
	agg := New(rooms, clockwork.NewFakeClock(), 5*time.Second)

	alice, _ := join(t, rooms, "alice", "r1")
	bob, _ := join(t, rooms, "bob", "r1")
	agg.tick()

	// Empty the room entirely; the registry reclaims it.
	rooms.Disconnect(alice, "gone")
	rooms.Disconnect(bob, "gone")
	agg.tick()

	_, daveSink := join(t, rooms, "dave", "r1")
	agg.tick()

	frames := daveSink.viewerCounts(t)
	require.Len(t, frames, 1)
	assert.Equal(t, 1, frames[0].Count)
	assert.Equal(t, 1, frames[0].Peak, "new incarnation of the room starts fresh")
}

func TestTick_SeparateRoomsTrackedIndependently(t *testing.T) {
	rooms := registry.New()
	agg := New(rooms, clockwork.NewFakeClock(), 5*time.Second)

	_, aliceSink := join(t, rooms, "alice", "r1")
	_, bobSink := join(t, rooms, "bob", "r2")
	join(t, rooms, "carol", "r2")

	agg.tick()

	aliceFrames := aliceSink.viewerCounts(t)
	require.Len(t, aliceFrames, 1)
	assert.Equal(t, 1, aliceFrames[0].Count)

	bobFrames := bobSink.viewerCounts(t)
	require.Len(t, bobFrames, 1)
	assert.Equal(t, 2, bobFrames[0].Count)
}

func TestRun_TicksOnInterval(t *testing.T) {
	rooms := registry.New()
	clock := clockwork.NewFakeClock()
	agg := New(rooms, clock, 5*time.Second)

	_, aliceSink := join(t, rooms, "alice", "r1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agg.Run(ctx)
	}()

	// Wait for the ticker to be registered before advancing.
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		return len(aliceSink.viewerCounts(t)) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
