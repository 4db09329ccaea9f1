package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entryStream      = "entries"
	activeEventsKey  = "events:active"
	promoterLeaseKey = "promoter:lease"
)

// Redis key shapes. Everything shared across instances lives behind these
// keys; nothing else is shared state.
func waitStreamKey(eventID string) string  { return fmt.Sprintf("wait:%s", eventID) }
func waitSeqKey(eventID string) string     { return fmt.Sprintf("wait:%s:seq", eventID) }
func waitMembersKey(eventID string) string { return fmt.Sprintf("wait:%s:members", eventID) }
func waitIDsKey(eventID string) string     { return fmt.Sprintf("wait:%s:ids", eventID) }
func capacityKey(eventID string) string    { return fmt.Sprintf("capacity:%s", eventID) }
func capacityMaxKey(eventID string) string { return fmt.Sprintf("capacity:%s:max", eventID) }
func entryTokenKey(userID string) string   { return fmt.Sprintf("entry_token:%s", userID) }

// promotedKey carries the entry's arrival sequence so a user who leaves and
// re-enqueues gets a fresh marker; only a retry of the same entry dedupes.
func promotedKey(eventID, userID string, seq int64) string {
	return fmt.Sprintf("promoted:%s:%s:%d", eventID, userID, seq)
}

func seatLockKey(eventID, seatID string) string {
	return fmt.Sprintf("seat_lock:%s:%s", eventID, seatID)
}

func seatOwnerKey(userID, eventID, seatID string) string {
	return fmt.Sprintf("seat_owner:%s:%s:%s", userID, eventID, seatID)
}

func reservationKey(eventID, seatID string) string {
	return fmt.Sprintf("reservation:%s:%s", eventID, seatID)
}

func seatKey(eventID, seatID string) string { return fmt.Sprintf("seat:%s:%s", eventID, seatID) }

// cappedIncr returns capacity without ever pushing the counter above the
// ceiling stored at KEYS[2]. Double disconnect crediting is guarded at the
// connection layer; this is the store-side backstop.
var cappedIncrScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local max = tonumber(redis.call("GET", KEYS[2]) or "0")
if cur >= max then
  return cur
end
return redis.call("INCR", KEYS[1])
`)

// compareAndDelete removes the key only while it still holds the expected
// value, so a stale owner can never release a lock re-acquired by someone
// else after expiry.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store wraps the coordination primitives the admission core needs:
// conditional set with TTL, atomic counters, streams with consumer groups,
// and key-expiry notifications.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// --- capacity ---

// InitCapacity sets the counter and its ceiling once per event. Later calls
// are no-ops, so every instance may call it on enqueue.
func (s *Store) InitCapacity(ctx context.Context, eventID string, ceiling int64) error {
	if err := s.rdb.SetNX(ctx, capacityMaxKey(eventID), ceiling, 0).Err(); err != nil {
		return fmt.Errorf("failed to init capacity ceiling: %w", err)
	}
	if err := s.rdb.SetNX(ctx, capacityKey(eventID), ceiling, 0).Err(); err != nil {
		return fmt.Errorf("failed to init capacity counter: %w", err)
	}
	if err := s.rdb.SAdd(ctx, activeEventsKey, eventID).Err(); err != nil {
		return fmt.Errorf("failed to track active event: %w", err)
	}
	return nil
}

func (s *Store) Capacity(ctx context.Context, eventID string) (int64, error) {
	n, err := s.rdb.Get(ctx, capacityKey(eventID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *Store) CapacityCeiling(ctx context.Context, eventID string) (int64, error) {
	n, err := s.rdb.Get(ctx, capacityMaxKey(eventID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// TakeCapacity claims one admission slot. The decrement is atomic; on
// underflow the unit is restored and false is returned.
func (s *Store) TakeCapacity(ctx context.Context, eventID string) (bool, error) {
	n, err := s.rdb.Decr(ctx, capacityKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to take capacity: %w", err)
	}
	if n < 0 {
		if err := s.rdb.Incr(ctx, capacityKey(eventID)).Err(); err != nil {
			return false, fmt.Errorf("failed to restore capacity after underflow: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// ReturnCapacity gives one admission slot back, capped at the ceiling.
func (s *Store) ReturnCapacity(ctx context.Context, eventID string) error {
	return cappedIncrScript.Run(ctx, s.rdb,
		[]string{capacityKey(eventID), capacityMaxKey(eventID)}).Err()
}

func (s *Store) ActiveEvents(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, activeEventsKey).Result()
}

// --- generic conditional primitives ---

func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AcquireLease is SetIfAbsent for short-lived leader leases.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- waiting log ---

// NextSeq assigns the next arrival sequence for an event.
func (s *Store) NextSeq(ctx context.Context, eventID string) (int64, error) {
	return s.rdb.Incr(ctx, waitSeqKey(eventID)).Result()
}

// ClaimMembership records eventId→userId→seq once. Returns false when the
// user already has a waiting entry for this event.
func (s *Store) ClaimMembership(ctx context.Context, eventID, userID string, seq int64) (bool, error) {
	return s.rdb.HSetNX(ctx, waitMembersKey(eventID), userID, seq).Result()
}

func (s *Store) MemberSeq(ctx context.Context, eventID, userID string) (int64, bool, error) {
	v, err := s.rdb.HGet(ctx, waitMembersKey(eventID), userID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	seq, _ := strconv.ParseInt(v, 10, 64)
	return seq, true, nil
}

// AppendWaiting adds the entry to the event's waiting log and records its
// stream ID for later removal by user.
func (s *Store) AppendWaiting(ctx context.Context, e *WaitingEntry) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: waitStreamKey(e.EventID),
		Values: map[string]any{
			"user_id": e.UserID,
			"origin":  e.Origin,
			"seq":     e.Seq,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append waiting entry: %w", err)
	}
	if err := s.rdb.HSet(ctx, waitIDsKey(e.EventID), e.UserID, id).Err(); err != nil {
		return "", fmt.Errorf("failed to index waiting entry: %w", err)
	}
	return id, nil
}

// WaitingHead returns up to count entries from the head of the event's
// waiting log in arrival order.
func (s *Store) WaitingHead(ctx context.Context, eventID string, count int64) ([]WaitingEntry, error) {
	msgs, err := s.rdb.XRangeN(ctx, waitStreamKey(eventID), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting log: %w", err)
	}
	entries := make([]WaitingEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, waitingEntryFromValues(eventID, m.ID, m.Values))
	}
	return entries, nil
}

func waitingEntryFromValues(eventID, streamID string, values map[string]any) WaitingEntry {
	e := WaitingEntry{EventID: eventID, StreamID: streamID}
	if v, ok := values["user_id"].(string); ok {
		e.UserID = v
	}
	if v, ok := values["origin"].(string); ok {
		e.Origin = v
	}
	if v, ok := values["seq"].(string); ok {
		e.Seq, _ = strconv.ParseInt(v, 10, 64)
	}
	return e
}

func (s *Store) WaitingLen(ctx context.Context, eventID string) (int64, error) {
	return s.rdb.XLen(ctx, waitStreamKey(eventID)).Result()
}

// RemoveWaiting deletes a user's waiting entry, membership record and ID
// index in one round trip.
func (s *Store) RemoveWaiting(ctx context.Context, eventID, userID string) error {
	id, err := s.rdb.HGet(ctx, waitIDsKey(eventID), userID).Result()
	if err == redis.Nil {
		// Already promoted or removed; still drop the membership record.
		return s.rdb.HDel(ctx, waitMembersKey(eventID), userID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to look up waiting entry: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.XDel(ctx, waitStreamKey(eventID), id)
	pipe.HDel(ctx, waitMembersKey(eventID), userID)
	pipe.HDel(ctx, waitIDsKey(eventID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove waiting entry: %w", err)
	}
	return nil
}

// --- entry log ---

func (s *Store) EnsureEntryGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, entryStream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create entry-log consumer group: %w", err)
	}
	return nil
}

func (s *Store) AppendEntry(ctx context.Context, m EntryLogMessage) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: entryStream,
		Values: map[string]any{
			"user_id":  m.UserID,
			"event_id": m.EventID,
			"origin":   m.Origin,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append entry-log message: %w", err)
	}
	return nil
}

// ReadEntries blocks up to block for new entry-log messages for the group.
func (s *Store) ReadEntries(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{entryStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

func (s *Store) AckEntries(ctx context.Context, group string, ids ...string) error {
	return s.rdb.XAck(ctx, entryStream, group, ids...).Err()
}

// TrimEntries bounds the global entry log; delivered messages are acked per
// group and reclaimed here by the sweeper.
func (s *Store) TrimEntries(ctx context.Context, maxLen int64) error {
	return s.rdb.XTrimMaxLen(ctx, entryStream, maxLen).Err()
}

// --- expiry notifications ---

// EnableExpiryNotifications turns on keyspace expired-event publishing.
// Best effort: managed Redis often forbids CONFIG SET and has it enabled
// out of band.
func (s *Store) EnableExpiryNotifications(ctx context.Context) error {
	return s.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}

func (s *Store) SubscribeExpired(ctx context.Context) *redis.PubSub {
	return s.rdb.PSubscribe(ctx, "__keyevent@*__:expired")
}

// ScanKeys collects every key matching pattern. Used only for the
// low-cardinality seat-owner scans.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}
