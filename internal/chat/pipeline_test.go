package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/moderation"
	"github.com/realcast/chatcore/internal/protocol"
	"github.com/realcast/chatcore/internal/registry"
)

type captureSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	reason string
}

func (s *captureSink) TrySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return true
}

func (s *captureSink) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *captureSink) decoded(t *testing.T) []protocol.ServerFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ServerFrame, 0, len(s.frames))
	for _, raw := range s.frames {
		var f protocol.ServerFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func (s *captureSink) byType(t *testing.T, frameType string) []protocol.ServerFrame {
	t.Helper()
	var out []protocol.ServerFrame
	for _, f := range s.decoded(t) {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

type allowAllRoles struct{}

func (allowAllRoles) IsModerator(context.Context, string, string, string) (bool, error) {
	return true, nil
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, domain.Event) {}

type failingLog struct {
	InMemoryLog
	err error
}

func (l *failingLog) Append(context.Context, domain.Message) error { return l.err }

type pipelineFixture struct {
	pipeline *Pipeline
	engine   *moderation.Engine
	log      *InMemoryLog
	rooms    *registry.Registry
	clock    *clockwork.FakeClock
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	log := NewInMemoryLog()
	rooms := registry.New()
	store := moderation.NewInMemoryStore(clock)
	engine := moderation.NewEngine(store, allowAllRoles{}, rooms, log, discardPublisher{}, clock)
	return &pipelineFixture{
		pipeline: NewPipeline(log, engine, rooms, clock, 2000),
		engine:   engine,
		log:      log,
		rooms:    rooms,
		clock:    clock,
	}
}

func (f *pipelineFixture) connect(t *testing.T, userID, roomID string) (*registry.Connection, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	conn := registry.NewConnection(domain.Principal{TenantID: "t1", UserID: userID, DisplayName: strings.ToUpper(userID)}, sink)
	f.rooms.Join(roomID, conn)
	return conn, sink
}

func TestSendMessage_BroadcastsToAllMembersIncludingSender(t *testing.T) {
	f := newPipelineFixture(t)
	alice, aliceSink := f.connect(t, "alice", "r1")
	_, bobSink := f.connect(t, "bob", "r1")

	msg, err := f.pipeline.SendMessage(context.Background(), alice, "r1", "hello room")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "hello room", msg.Body)
	assert.Equal(t, f.clock.Now(), msg.SentAt)

	for _, sink := range []*captureSink{aliceSink, bobSink} {
		frames := sink.byType(t, protocol.TypeMessage)
		require.Len(t, frames, 1)
		require.NotNil(t, frames[0].Message)
		assert.Equal(t, msg.ID, frames[0].Message.ID)
		assert.Equal(t, "hello room", frames[0].Message.Body)
	}
}

func TestSendMessage_RejectsEmptyBodyWithoutSideEffects(t *testing.T) {
	f := newPipelineFixture(t)
	alice, aliceSink := f.connect(t, "alice", "r1")

	for _, body := range []string{"", "   ", "\n\t"} {
		_, err := f.pipeline.SendMessage(context.Background(), alice, "r1", body)
		rej, ok := domain.AsRejection(err)
		require.True(t, ok, "body %q", body)
		assert.Equal(t, domain.CodeInvalidMessage, rej.Code)
	}

	assert.Empty(t, aliceSink.byType(t, protocol.TypeMessage))
	history, err := f.pipeline.RequestHistory(context.Background(), "r1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendMessage_RejectsOversizedBody(t *testing.T) {
	f := newPipelineFixture(t)
	alice, _ := f.connect(t, "alice", "r1")

	// 2000 runes is the ceiling; multi-byte runes count as one.
	ok := strings.Repeat("ü", 2000)
	_, err := f.pipeline.SendMessage(context.Background(), alice, "r1", ok)
	require.NoError(t, err)

	_, err = f.pipeline.SendMessage(context.Background(), alice, "r1", ok+"x")
	rej, found := domain.AsRejection(err)
	require.True(t, found)
	assert.Equal(t, domain.CodeInvalidMessage, rej.Code)
}

func TestSendMessage_RejectsNonMember(t *testing.T) {
	f := newPipelineFixture(t)
	sink := &captureSink{}
	outsider := registry.NewConnection(domain.Principal{TenantID: "t1", UserID: "eve"}, sink)

	_, err := f.pipeline.SendMessage(context.Background(), outsider, "r1", "hi")
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeInvalidMessage, rej.Code)
}

func TestSendMessage_MutedUserRejectedAndNothingBroadcast(t *testing.T) {
	f := newPipelineFixture(t)
	alice, _ := f.connect(t, "alice", "r1")
	_, bobSink := f.connect(t, "bob", "r1")

	mod := domain.Principal{TenantID: "t1", UserID: "mod"}
	require.NoError(t, f.engine.Mute(context.Background(), mod, "r1", "alice", 300*time.Second))

	_, err := f.pipeline.SendMessage(context.Background(), alice, "r1", "can you hear me")
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeMuted, rej.Code)
	assert.Equal(t, 300*time.Second, rej.RetryAfter)
	assert.Empty(t, bobSink.byType(t, protocol.TypeMessage))
}

func TestSendMessage_BannedUserRejectedWithBannedAfterKick(t *testing.T) {
	f := newPipelineFixture(t)
	alice, _ := f.connect(t, "alice", "r1")
	_, bobSink := f.connect(t, "bob", "r1")

	mod := domain.Principal{TenantID: "t1", UserID: "mod"}
	require.NoError(t, f.engine.Ban(context.Background(), mod, "r1", "alice", 0))
	assert.False(t, f.rooms.IsMember("r1", alice), "ban kicks the target from the room")

	// The kick must not mask the ban: the rejection names the ban itself.
	_, err := f.pipeline.SendMessage(context.Background(), alice, "r1", "let me back in")
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeBanned, rej.Code)
	assert.Zero(t, rej.RetryAfter, "permanent ban carries no retry hint")
	assert.Empty(t, bobSink.byType(t, protocol.TypeMessage))

	// Unban lifts the ban; alice still has to rejoin before posting.
	require.NoError(t, f.engine.Unban(context.Background(), mod, "r1", "alice"))
	_, err = f.pipeline.SendMessage(context.Background(), alice, "r1", "back?")
	rej, ok = domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeInvalidMessage, rej.Code)

	f.rooms.Join("r1", alice)
	_, err = f.pipeline.SendMessage(context.Background(), alice, "r1", "back")
	require.NoError(t, err)
}

func TestSendMessage_LogFailureSuppressesBroadcast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &failingLog{err: errors.New("connection refused")}
	rooms := registry.New()
	store := moderation.NewInMemoryStore(clock)
	engine := moderation.NewEngine(store, allowAllRoles{}, rooms, log, discardPublisher{}, clock)
	pipeline := NewPipeline(log, engine, rooms, clock, 2000)

	sink := &captureSink{}
	alice := registry.NewConnection(domain.Principal{TenantID: "t1", UserID: "alice"}, sink)
	rooms.Join("r1", alice)

	_, err := pipeline.SendMessage(context.Background(), alice, "r1", "hello")
	require.Error(t, err)
	_, isRejection := domain.AsRejection(err)
	assert.False(t, isRejection, "store failures surface as plain errors")
	assert.Empty(t, sink.byType(t, protocol.TypeMessage))
}

func TestSendMessage_RecordsSlowModeMarker(t *testing.T) {
	f := newPipelineFixture(t)
	alice, _ := f.connect(t, "alice", "r1")

	mod := domain.Principal{TenantID: "t1", UserID: "mod"}
	require.NoError(t, f.engine.SetSlowMode(context.Background(), mod, "r1", true, 5*time.Second))

	_, err := f.pipeline.SendMessage(context.Background(), alice, "r1", "first")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	_, err = f.pipeline.SendMessage(context.Background(), alice, "r1", "too soon")
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeSlowModeWait, rej.Code)
	assert.Equal(t, 3*time.Second, rej.RetryAfter)

	f.clock.Advance(3 * time.Second)
	_, err = f.pipeline.SendMessage(context.Background(), alice, "r1", "on time")
	require.NoError(t, err)
}

func TestRequestHistory_ReturnsOldestFirstAndSkipsDeleted(t *testing.T) {
	f := newPipelineFixture(t)
	alice, _ := f.connect(t, "alice", "r1")

	var second domain.Message
	for i, body := range []string{"one", "two", "three"} {
		msg, err := f.pipeline.SendMessage(context.Background(), alice, "r1", body)
		require.NoError(t, err)
		if i == 1 {
			second = msg
		}
		f.clock.Advance(time.Second)
	}
	require.NoError(t, f.log.MarkDeleted(context.Background(), "r1", second.ID))

	history, err := f.pipeline.RequestHistory(context.Background(), "r1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Body)
	assert.Equal(t, "three", history[1].Body)
}

func TestRequestHistory_ClampsLimit(t *testing.T) {
	f := newPipelineFixture(t)
	alice, _ := f.connect(t, "alice", "r1")

	for i := 0; i < 120; i++ {
		_, err := f.pipeline.SendMessage(context.Background(), alice, "r1", "filler")
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	history, err := f.pipeline.RequestHistory(context.Background(), "r1", time.Time{}, 500)
	require.NoError(t, err)
	assert.Len(t, history, maxHistoryLimit)

	history, err = f.pipeline.RequestHistory(context.Background(), "r1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, history, defaultHistoryLimit)
}

func TestRequestHistory_HonorsBeforeCursor(t *testing.T) {
	f := newPipelineFixture(t)
	alice, _ := f.connect(t, "alice", "r1")

	_, err := f.pipeline.SendMessage(context.Background(), alice, "r1", "old")
	require.NoError(t, err)
	cutoff := f.clock.Now().Add(time.Second)
	f.clock.Advance(2 * time.Second)
	_, err = f.pipeline.SendMessage(context.Background(), alice, "r1", "new")
	require.NoError(t, err)

	history, err := f.pipeline.RequestHistory(context.Background(), "r1", cutoff, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "old", history[0].Body)
}

func TestTyping_ExcludesSenderAndSkipsNonMembers(t *testing.T) {
	f := newPipelineFixture(t)
	alice, aliceSink := f.connect(t, "alice", "r1")
	_, bobSink := f.connect(t, "bob", "r1")

	f.pipeline.Typing(alice, "r1", true)

	frames := bobSink.byType(t, protocol.TypeTyping)
	require.Len(t, frames, 1)
	assert.Equal(t, "alice", frames[0].UserID)
	assert.True(t, frames[0].IsTyping)
	assert.Empty(t, aliceSink.byType(t, protocol.TypeTyping))

	outsider := registry.NewConnection(domain.Principal{TenantID: "t1", UserID: "eve"}, &captureSink{})
	f.pipeline.Typing(outsider, "r1", true)
	assert.Len(t, bobSink.byType(t, protocol.TypeTyping), 1)
}

func TestReaction_BroadcastsIncludingSender(t *testing.T) {
	f := newPipelineFixture(t)
	alice, aliceSink := f.connect(t, "alice", "r1")
	_, bobSink := f.connect(t, "bob", "r1")

	require.NoError(t, f.pipeline.Reaction(alice, "r1", "🔥"))

	for _, sink := range []*captureSink{aliceSink, bobSink} {
		frames := sink.byType(t, protocol.TypeReaction)
		require.Len(t, frames, 1)
		assert.Equal(t, "🔥", frames[0].Emote)
		assert.Equal(t, "alice", frames[0].UserID)
	}

	err := f.pipeline.Reaction(alice, "r1", "")
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeInvalidMessage, rej.Code)
}

// Full lifecycle: join, message, mute, rejection, disconnect.
func TestPipeline_SessionLifecycle(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	alice, aliceSink := f.connect(t, "alice", "lobby")
	assert.Equal(t, 1, f.rooms.MemberCount("lobby"))

	_, err := f.pipeline.SendMessage(ctx, alice, "lobby", "hello")
	require.NoError(t, err)
	frames := aliceSink.byType(t, protocol.TypeMessage)
	require.Len(t, frames, 1)
	assert.Equal(t, "hello", frames[0].Message.Body)

	mod := domain.Principal{TenantID: "t1", UserID: "mod"}
	require.NoError(t, f.engine.Mute(ctx, mod, "lobby", "alice", 300*time.Second))

	_, err = f.pipeline.SendMessage(ctx, alice, "lobby", "still here?")
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeMuted, rej.Code)
	assert.Equal(t, 300*time.Second, rej.RetryAfter)

	f.rooms.Disconnect(alice, "client gone")
	assert.Equal(t, 0, f.rooms.MemberCount("lobby"))
	assert.True(t, aliceSink.closed)
}
