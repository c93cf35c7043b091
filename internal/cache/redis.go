package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"podium/pkg/types"
)

// setIfNewer writes the snapshot unless the cached one carries a higher
// version. ARGV: payload, version, ttl in milliseconds (0 keeps it forever).
var setIfNewer = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local ok, decoded = pcall(cjson.decode, current)
	if ok and type(decoded) == 'table' and tonumber(decoded['version'] or 0) > tonumber(ARGV[2]) then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Redis shares snapshots between server replicas
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps an existing client; keys are prefix + "session:" + id
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// DialRedis connects to addr and verifies the connection with PING
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *Redis) key(id string) string {
	return c.prefix + "session:" + id
}

// Set stores the snapshot as JSON. The compare and the write run as one
// script, so an older version never replaces a newer one.
func (c *Redis) Set(ctx context.Context, session *types.ClassroomSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.client, []string{c.key(session.ID)},
		data, session.Version, c.ttl.Milliseconds()).Err()
}

// Get returns the cached snapshot or ErrMiss
func (c *Redis) Get(ctx context.Context, id string) (*types.ClassroomSession, error) {
	data, err := c.client.Get(ctx, c.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}

	var session types.ClassroomSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete drops the snapshot of a session
func (c *Redis) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
