package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidroman0O/blockflow/errors"
)

// releaseScript deletes a lock key only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis takes the free part of a lock key set with a single MSETNX, which
// either sets every key or none of them.
type Redis struct {
	client *redis.Client
	ks     keyspace
}

// NewRedis connects to the first endpoint
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New(errors.ErrConfiguration, "redis endpoints cannot be empty")
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Endpoints[0],
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.RedisDB,
		DialTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, connectionError(err, "failed to connect to redis")
	}

	return &Redis{client: client, ks: newKeyspace(opts.Prefix)}, nil
}

func (r *Redis) TryLock(ctx context.Context, owner string, keys []string) ([]string, error) {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = r.ks.lockPath(k)
	}
	values, err := r.client.MGet(ctx, paths...).Result()
	if err != nil {
		return nil, connectionError(err, "failed to read locks")
	}

	var (
		contended []string
		pairs     []interface{}
	)
	for i, v := range values {
		switch holder := v.(type) {
		case nil:
			pairs = append(pairs, paths[i], owner)
		case string:
			if holder != owner {
				contended = append(contended, keys[i])
			}
		}
	}
	if len(contended) > 0 || len(pairs) == 0 {
		return contended, nil
	}

	ok, err := r.client.MSetNX(ctx, pairs...).Result()
	if err != nil {
		return nil, connectionError(err, "failed to set locks")
	}
	if ok {
		return nil, nil
	}

	// Another owner won a race on one of the free keys.
	values, err = r.client.MGet(ctx, paths...).Result()
	if err != nil {
		return nil, connectionError(err, "failed to read locks")
	}
	for i, v := range values {
		if holder, isStr := v.(string); isStr && holder != owner {
			contended = append(contended, keys[i])
		}
	}
	if len(contended) == 0 {
		contended = keys
	}
	return contended, nil
}

func (r *Redis) Unlock(ctx context.Context, owner string, keys []string) error {
	for _, k := range dedupe(keys) {
		if err := releaseScript.Run(ctx, r.client, []string{r.ks.lockPath(k)}, owner).Err(); err != nil && err != redis.Nil {
			return connectionError(err, "failed to release lock "+k)
		}
	}
	return nil
}

func (r *Redis) LockOwner(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.ks.lockPath(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", connectionError(err, "failed to read lock "+key)
	}
	return v, nil
}

func (r *Redis) LocksHeldBy(ctx context.Context, owner string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.ks.locksDir()+"/*", 100).Iterator()
	for iter.Next(ctx) {
		p := iter.Val()
		v, err := r.client.Get(ctx, p).Result()
		if err != nil {
			continue
		}
		if v == owner {
			keys = append(keys, r.ks.lockKey(p))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, connectionError(err, "failed to scan locks")
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Put(ctx context.Context, name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.ks.dataPath(name), value, 0).Err(); err != nil {
		return connectionError(err, "failed to put "+name)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, name string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.ks.dataPath(name)).Bytes()
	if err == redis.Nil {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, connectionError(err, "failed to get "+name)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.ks.dataPath(name)).Err(); err != nil {
		return connectionError(err, "failed to delete "+name)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, dir string) ([]string, error) {
	var names []string
	iter := r.client.Scan(ctx, 0, r.ks.dataPath(dir)+"/*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, r.ks.dataName(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, connectionError(err, "failed to scan "+dir)
	}
	return childrenOf(dir, names), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
