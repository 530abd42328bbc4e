package kv

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store implementation backed by a Redis server. It lets several
// service replicas share one buffer and memory store; for single-node
// deployments Badger is the lighter choice.
//
// The client must be pre-configured (address, auth, DB). Any go-redis
// universal client works, including cluster clients.
type Redis struct {
	client redis.UniversalClient
	opts   *Options
	prefix string
}

// RedisOptions configures the Redis store.
type RedisOptions struct {
	// Options is the common kv options (separator, etc.).
	Options *Options

	// Prefix is prepended to every encoded key. Set it when the Redis DB
	// is shared with other applications; an empty prefix makes List scan
	// the whole keyspace.
	Prefix string
}

// NewRedis creates a Redis-backed Store on top of an existing client.
func NewRedis(client redis.UniversalClient, ropts RedisOptions) *Redis {
	return &Redis{
		client: client,
		opts:   ropts.Options,
		prefix: ropts.Prefix,
	}
}

func (r *Redis) key(k Key) string {
	return r.prefix + string(r.opts.encode(k))
}

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key Key, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key Key) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) List(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := r.opts.encode(prefix)
	// Append separator so "a:b" prefix doesn't match "a:bc".
	var match string
	if len(p) > 0 {
		match = r.prefix + string(append(p, r.opts.sep()))
	} else {
		match = r.prefix
	}
	pattern := escapeGlob(match) + "*"

	return func(yield func(Entry, error) bool) {
		// SCAN returns keys in no particular order; collect and sort so
		// iteration is lexicographic like the other backends.
		var keys []string
		var cursor uint64
		for {
			batch, next, err := r.client.Scan(ctx, cursor, pattern, 512).Result()
			if err != nil {
				yield(Entry{}, err)
				return
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				break
			}
		}
		sort.Strings(keys)

		for i := 0; i < len(keys); i += 512 {
			end := min(i+512, len(keys))
			vals, err := r.client.MGet(ctx, keys[i:end]...).Result()
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for j, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue // deleted between SCAN and MGET
				}
				entry := Entry{
					Key:   r.opts.decode([]byte(strings.TrimPrefix(keys[i+j], r.prefix))),
					Value: []byte(s),
				}
				if !yield(entry, nil) {
					return
				}
			}
		}
	}
}

func (r *Redis) BatchSet(ctx context.Context, entries []Entry) error {
	pipe := r.client.TxPipeline()
	for _, e := range entries {
		pipe.Set(ctx, r.key(e.Key), e.Value, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) BatchDelete(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = r.key(k)
	}
	return r.client.Del(ctx, ks...).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// escapeGlob escapes Redis MATCH glob metacharacters so the prefix is
// matched literally.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]^\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '^', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
