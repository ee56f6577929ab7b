package moderation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/realcast/chatcore/internal/domain"
)

// Marker keys expire on their own; a day is far beyond any slow-mode interval.
const markerExpiry = 24 * time.Hour

// RedisStore keeps moderation facts in Redis so multiple broker instances
// enforce the same state. Expiring entries are written with PX, which makes
// Redis itself the lazy-expiry mechanism; permanent entries carry no TTL.
type RedisStore struct {
	rdb   *goredis.Client
	clock clockwork.Clock
}

func NewRedisStore(rdb *goredis.Client, clock clockwork.Clock) *RedisStore {
	return &RedisStore{rdb: rdb, clock: clock}
}

func (s *RedisStore) SetEntry(ctx context.Context, entry domain.ModerationEntry) error {
	key := entryRedisKey(entry.RoomID, entry.UserID, entry.Kind)
	value := "1"
	if entry.Kind == domain.EntrySlowMode {
		value = strconv.FormatInt(entry.Interval.Milliseconds(), 10)
	}

	var ttl time.Duration // 0 means no expiry
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(s.clock.Now())
		if ttl <= 0 {
			// Already expired; setting it would be indistinguishable from absent.
			return s.rdb.Del(ctx, key).Err()
		}
	}

	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set moderation entry: %w", err)
	}
	return nil
}

func (s *RedisStore) GetEntry(ctx context.Context, roomID, userID string, kind domain.EntryKind) (domain.ModerationEntry, bool, error) {
	key := entryRedisKey(roomID, userID, kind)

	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	pttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return domain.ModerationEntry{}, false, fmt.Errorf("get moderation entry: %w", err)
	}

	value, err := getCmd.Result()
	if err == goredis.Nil {
		return domain.ModerationEntry{}, false, nil
	}
	if err != nil {
		return domain.ModerationEntry{}, false, fmt.Errorf("get moderation entry: %w", err)
	}

	entry := domain.ModerationEntry{RoomID: roomID, UserID: userID, Kind: kind}
	if ttl, err := pttlCmd.Result(); err == nil && ttl > 0 {
		entry.ExpiresAt = s.clock.Now().Add(ttl)
	}
	if kind == domain.EntrySlowMode {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return domain.ModerationEntry{}, false, fmt.Errorf("slow mode entry holds invalid interval %q: %w", value, err)
		}
		entry.Interval = time.Duration(ms) * time.Millisecond
	}
	return entry, true, nil
}

func (s *RedisStore) ClearEntry(ctx context.Context, roomID, userID string, kind domain.EntryKind) error {
	if err := s.rdb.Del(ctx, entryRedisKey(roomID, userID, kind)).Err(); err != nil {
		return fmt.Errorf("clear moderation entry: %w", err)
	}
	return nil
}

func (s *RedisStore) SetLastAccepted(ctx context.Context, roomID, userID string, at time.Time) error {
	key := markerRedisKey(roomID, userID)
	if err := s.rdb.Set(ctx, key, strconv.FormatInt(at.UnixMilli(), 10), markerExpiry).Err(); err != nil {
		return fmt.Errorf("set last-accepted marker: %w", err)
	}
	return nil
}

func (s *RedisStore) GetLastAccepted(ctx context.Context, roomID, userID string) (time.Time, bool, error) {
	value, err := s.rdb.Get(ctx, markerRedisKey(roomID, userID)).Result()
	if err == goredis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last-accepted marker: %w", err)
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last-accepted marker holds invalid value %q: %w", value, err)
	}
	return time.UnixMilli(ms), true, nil
}

func entryRedisKey(roomID, userID string, kind domain.EntryKind) string {
	if kind == domain.EntrySlowMode {
		return fmt.Sprintf("mod:%s:%s", roomID, kind)
	}
	return fmt.Sprintf("mod:%s:%s:%s", roomID, userID, kind)
}

func markerRedisKey(roomID, userID string) string {
	return fmt.Sprintf("lastmsg:%s:%s", roomID, userID)
}
