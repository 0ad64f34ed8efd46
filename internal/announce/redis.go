package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-groups/internal/groups"
)

// DefaultStreamLength caps the announcement stream.
const DefaultStreamLength = 10000

// Redis appends announcements to a Redis stream. Each entry has a single
// "payload" field holding the JSON Message.
type Redis struct {
	client *redis.Client
	stream string
	maxLen int64
	now    func() time.Time
}

// RedisOption configures a Redis publisher.
type RedisOption func(*Redis)

// WithMaxLen sets the approximate stream length cap.
func WithMaxLen(n int64) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.maxLen = n
		}
	}
}

// NewRedis creates a publisher writing to stream.
func NewRedis(client *redis.Client, stream string, opts ...RedisOption) *Redis {
	r := &Redis{client: client, stream: stream, maxLen: DefaultStreamLength, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Announce(ctx context.Context, a groups.Announcement) error {
	payload, err := json.Marshal(NewMessage(a, r.now()))
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}
	return nil
}

// Read returns up to count announcements from the start of the stream.
func (r *Redis) Read(ctx context.Context, count int64) ([]Message, error) {
	entries, err := r.client.XRangeN(ctx, r.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read announcements: %w", err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["payload"].(string)
		if !ok {
			return nil, fmt.Errorf("entry %s has no payload", e.ID)
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", e.ID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}
