// Package redis provides a Redis-backed store.Store.
//
// Each subject is a Redis hash. Multi-field writes and the conditional
// increment run as Lua scripts so they are atomic across instances.
// Timestamps are stored as unix milliseconds; "0" means unset.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/store"
)

// Store is a Redis-backed store.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	closer    func() error
}

var (
	_ store.Store                  = (*Store)(nil)
	_ store.ConditionalIncrementer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "nexiloop:subject:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Store over a connected client. Close on the Store closes
// the client when it is a *goredis.Client.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "nexiloop:subject:",
	}
	if c, ok := client.(*goredis.Client); ok {
		s.closer = c.Close
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

func (s *Store) key(id string) string {
	return s.keyPrefix + id
}

// writeScript applies field/value pairs only to an existing hash.
// KEYS[1] = subject key
// ARGV    = field, value, field, value, ...
// Returns 1 on write, 0 when the subject does not exist.
var writeScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
if #ARGV > 0 then
    redis.call("HSET", KEYS[1], unpack(ARGV))
end
return 1
`)

// createScript writes the full hash only if it does not exist.
// Returns 1 when created, 0 when it already existed.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// incrementScript rolls, compares and increments one class counter.
// KEYS[1] = subject key
// ARGV[1] = count field
// ARGV[2] = window field
// ARGV[3] = day start (unix ms)
// ARGV[4] = next day start (unix ms)
// ARGV[5] = now (unix ms)
// ARGV[6] = limit
// ARGV[7] = "1" to bump message_count
//
// Returns {status, count, window, rolled} where status is
//
//	1  = incremented
//	0  = limit reached
//	-1 = subject not found
var incrementScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1, 0, 0, 0}
end
local count_field = ARGV[1]
local window_field = ARGV[2]
local day_start = tonumber(ARGV[3])
local day_end = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local limit = tonumber(ARGV[6])

local window = tonumber(redis.call("HGET", key, window_field) or "0")
local count = tonumber(redis.call("HGET", key, count_field) or "0")
local rolled = 0

if window < day_start or window >= day_end then
    count = 0
    window = now
    redis.call("HSET", key, count_field, "0", window_field, ARGV[5])
    rolled = 1
end

if count >= limit then
    return {0, count, window, rolled}
end

count = redis.call("HINCRBY", key, count_field, 1)
redis.call("HSET", key, "last_active_at", ARGV[5])
if ARGV[7] == "1" then
    redis.call("HINCRBY", key, "message_count", 1)
end
return {1, count, window, rolled}
`)

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (models.Subject, error) {
	vals, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return models.Subject{}, fmt.Errorf("redis get subject: %w", err)
	}
	if len(vals) == 0 {
		return models.Subject{}, store.ErrNotFound
	}
	return decode(id, vals), nil
}

// Update applies p to the hash for id.
func (s *Store) Update(ctx context.Context, id string, p models.Patch) error {
	var args []any
	for _, c := range models.QuotaClasses {
		count, window := c.Fields()
		if n, ok := p.Counts[c]; ok {
			args = append(args, count, n)
		}
		if t, ok := p.WindowStarts[c]; ok {
			args = append(args, window, toMillis(t))
		}
	}
	if p.MessageCount != nil {
		args = append(args, "message_count", *p.MessageCount)
	}
	if p.LastActiveAt != nil {
		args = append(args, "last_active_at", toMillis(*p.LastActiveAt))
	}

	n, err := writeScript.Run(ctx, s.client, []string{s.key(id)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis update subject: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Create writes sub unless a hash already exists for sub.ID.
func (s *Store) Create(ctx context.Context, sub models.Subject) (models.Subject, bool, error) {
	n, err := createScript.Run(ctx, s.client, []string{s.key(sub.ID)}, encode(sub)...).Int64()
	if err != nil {
		return models.Subject{}, false, fmt.Errorf("redis create subject: %w", err)
	}
	stored, err := s.Get(ctx, sub.ID)
	if err != nil {
		return models.Subject{}, false, err
	}
	return stored, n == 1, nil
}

// IncrementIfBelow runs the conditional increment script.
func (s *Store) IncrementIfBelow(ctx context.Context, id string, class models.QuotaClass, limit int64, now time.Time) (store.IncrementResult, error) {
	count, window := class.Fields()
	dayStart := models.UTCDay(now)
	bump := "0"
	if class == models.QuotaGeneral {
		bump = "1"
	}

	out, err := incrementScript.Run(ctx, s.client, []string{s.key(id)},
		count, window,
		dayStart.UnixMilli(), dayStart.AddDate(0, 0, 1).UnixMilli(),
		now.UTC().UnixMilli(), limit, bump,
	).Int64Slice()
	if err != nil {
		return store.IncrementResult{}, fmt.Errorf("redis conditional increment: %w", err)
	}
	if len(out) != 4 {
		return store.IncrementResult{}, fmt.Errorf("redis conditional increment: unexpected reply length %d", len(out))
	}

	switch out[0] {
	case -1:
		return store.IncrementResult{}, store.ErrNotFound
	case 0, 1:
		return store.IncrementResult{
			Applied:     out[0] == 1,
			Count:       out[1],
			WindowStart: fromMillis(out[2]),
			Rolled:      out[3] == 1,
		}, nil
	default:
		return store.IncrementResult{}, fmt.Errorf("redis conditional increment: unexpected status %d", out[0])
	}
}

// Close closes the underlying client when the Store owns one.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func encode(sub models.Subject) []any {
	args := []any{
		"id", sub.ID,
		"email", sub.Email,
		"anonymous", boolString(sub.Anonymous),
		"premium", boolString(sub.Premium),
		"message_count", sub.MessageCount,
		"last_active_at", toMillis(sub.LastActiveAt),
		"created_at", toMillis(sub.CreatedAt),
	}
	for _, c := range models.QuotaClasses {
		count, window := c.Fields()
		ctr := sub.Counter(c)
		args = append(args, count, ctr.Count, window, toMillis(ctr.WindowStart))
	}
	return args
}

func decode(id string, vals map[string]string) models.Subject {
	sub := models.Subject{
		ID:           id,
		Email:        vals["email"],
		Anonymous:    vals["anonymous"] == "1",
		Premium:      vals["premium"] == "1",
		MessageCount: parseInt(vals["message_count"]),
		LastActiveAt: fromMillis(parseInt(vals["last_active_at"])),
		CreatedAt:    fromMillis(parseInt(vals["created_at"])),
	}
	for _, c := range models.QuotaClasses {
		count, window := c.Fields()
		sub.SetCounter(c, models.Counter{
			Count:       parseInt(vals[count]),
			WindowStart: fromMillis(parseInt(vals[window])),
		})
	}
	return sub
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
