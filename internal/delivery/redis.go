package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/outboxq/internal/types"
)

// RedisConfig configures a RedisAdapter.
type RedisConfig struct {
	// KeyPrefix namespaces every key the adapter writes.
	KeyPrefix string
	// IdempotencyTTL is how long a delivered localId maps to its remote id.
	IdempotencyTTL time.Duration
}

// RedisAdapter delivers entries straight into Redis, for deployments where
// the chat backend consumes conversations from Redis lists.
//
// Per conversation it keeps (all keys share the {conversationId} hash tag so
// they live on one cluster slot):
//
//	<prefix>:{cid}:seq        INCR counter that allocates remote ids
//	<prefix>:{cid}:messages   hash remoteId → message JSON
//	<prefix>:{cid}:timeline   list of remote ids in delivery order
//	<prefix>:{cid}:idem:<id>  localId → remoteId, expires after IdempotencyTTL
type RedisAdapter struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

var _ Adapter = (*RedisAdapter)(nil)

// appendScript makes the idempotency check and the append one atomic step.
// A resend of a localId that is still remembered returns the original remote
// id and writes nothing.
var appendScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return existing
end
local seq = redis.call('INCR', KEYS[2])
local rid = ARGV[3] .. ':' .. seq
redis.call('HSET', KEYS[3], rid, ARGV[1])
redis.call('RPUSH', KEYS[4], rid)
redis.call('SET', KEYS[1], rid, 'EX', ARGV[2])
return rid
`)

// NewRedis returns a RedisAdapter using client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *RedisAdapter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "outbox"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 72 * time.Hour
	}
	return &RedisAdapter{client: client, cfg: cfg}
}

// Keys returns the keys used for conversation cid and entry localID, in the
// order the append script expects them.
func (a *RedisAdapter) Keys(cid, localID string) (idem, seq, messages, timeline string) {
	base := a.cfg.KeyPrefix + ":{" + cid + "}"
	return base + ":idem:" + localID, base + ":seq", base + ":messages", base + ":timeline"
}

// Send appends e to its conversation and returns the remote id.
func (a *RedisAdapter) Send(ctx context.Context, e *types.Entry) (string, error) {
	body, err := json.Marshal(struct {
		LocalID    string            `json:"local_id"`
		SenderID   string            `json:"sender_id"`
		SenderName string            `json:"sender_name,omitempty"`
		Kind       types.PayloadKind `json:"kind"`
		Text       string            `json:"text,omitempty"`
		ImageRef   string            `json:"image_ref,omitempty"`
		Metadata   map[string]string `json:"metadata,omitempty"`
		CreatedAt  int64             `json:"created_at"`
	}{
		LocalID:    e.LocalID,
		SenderID:   e.SenderID,
		SenderName: e.SenderName,
		Kind:       e.Payload.Kind,
		Text:       e.Payload.Text,
		ImageRef:   e.Payload.ImageRef,
		Metadata:   e.Payload.Metadata,
		CreatedAt:  e.CreatedAt,
	})
	if err != nil {
		return "", Permanent(fmt.Errorf("delivery: marshal %s: %w", e.LocalID, err))
	}

	idem, seq, messages, timeline := a.Keys(e.ConversationID, e.LocalID)
	ttl := strconv.Itoa(int(a.cfg.IdempotencyTTL / time.Second))

	rid, err := appendScript.Run(ctx, a.client,
		[]string{idem, seq, messages, timeline},
		string(body), ttl, e.ConversationID,
	).Text()
	if err != nil {
		return "", ClassifyRedis(fmt.Errorf("delivery: redis append %s: %w", e.LocalID, err))
	}
	return rid, nil
}

// redisServerError matches error replies from the Redis server.
type redisServerError interface {
	error
	RedisError()
}

// ClassifyRedis wraps a go-redis error with its delivery Kind.
//
// Server replies that mean "try again later" (loading, failover, busy
// scripts, read-only replica) are transient; auth and type errors are
// permanent because retrying the same command cannot succeed. Network errors
// and deadlines fall through to Classify.
func ClassifyRedis(err error) error {
	if err == nil {
		return nil
	}
	var se redisServerError
	if errors.As(err, &se) {
		msg := se.Error()
		for _, p := range []string{"LOADING", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN", "BUSY"} {
			if strings.HasPrefix(msg, p) {
				return Transient(err)
			}
		}
		for _, p := range []string{"NOAUTH", "WRONGPASS", "NOPERM", "WRONGTYPE"} {
			if strings.HasPrefix(msg, p) {
				return Permanent(err)
			}
		}
		return err
	}
	if strings.Contains(err.Error(), "connection pool timeout") {
		return Transient(err)
	}
	return err
}
