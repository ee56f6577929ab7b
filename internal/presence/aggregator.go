// Package presence periodically publishes viewer counts to every occupied
// room. Counts are connection-based: a user connected twice counts twice.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/realcast/chatcore/internal/metrics"
	"github.com/realcast/chatcore/internal/protocol"
	"github.com/realcast/chatcore/internal/registry"
)

// Aggregator tracks per-room peak concurrency across the process lifetime
// and broadcasts viewer_count frames on a fixed interval. A room that empties
// and is reclaimed loses its peak; a later room with the same ID starts fresh.
type Aggregator struct {
	rooms    *registry.Registry
	clock    clockwork.Clock
	interval time.Duration

	// peaks is touched only from the Run goroutine.
	peaks map[string]int
}

func New(rooms *registry.Registry, clock clockwork.Clock, interval time.Duration) *Aggregator {
	return &Aggregator{
		rooms:    rooms,
		clock:    clock,
		interval: interval,
		peaks:    make(map[string]int),
	}
}

// Run starts the periodic broadcast loop. It blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.tick()
		}
	}
}

func (a *Aggregator) tick() {
	start := a.clock.Now()

	seen := make(map[string]struct{})
	for _, snap := range a.rooms.Snapshot() {
		count := snap.Members
		if count == 0 {
			continue
		}
		seen[snap.RoomID] = struct{}{}
		if count > a.peaks[snap.RoomID] {
			a.peaks[snap.RoomID] = count
		}

		a.rooms.Broadcast(snap.RoomID, protocol.Encode(protocol.ServerFrame{
			Type:   protocol.TypeViewerCount,
			RoomID: snap.RoomID,
			Count:  count,
			Peak:   a.peaks[snap.RoomID],
		}), uuid.Nil)
	}

	// Reclaimed rooms drop out of the snapshot; forget their peaks so a
	// re-created room with the same ID starts over.
	for roomID := range a.peaks {
		if _, ok := seen[roomID]; !ok {
			delete(a.peaks, roomID)
		}
	}

	metrics.PresenceTickDuration.Observe(a.clock.Since(start).Seconds())
}
