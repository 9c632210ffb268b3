// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kvstore

import (
	"time"

	"github.com/go-redis/redis"
)

// RedisKV adapts a *redis.Client to the KV interface.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps an already-configured go-redis client. The socket
// timeout (read/write deadline) is configured on the client itself, per
// §5's "persistence operation: configurable socket timeout, default five
// seconds".
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func classify(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	// go-redis surfaces network/timeout failures as generic errors; any
	// error other than a clean redis.Nil miss is treated as transient so
	// the caller's backoff loop decides whether to retry or fail closed.
	return &TransientError{Err: err}
}

func (r *RedisKV) SetEX(key string, value []byte, ttl time.Duration) error {
	return classify(r.client.Set(key, value, ttl).Err())
}

// SetNX wraps Redis's own SETNX, which is atomic against every other
// client, not just within this process.
func (r *RedisKV) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(key, value, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (r *RedisKV) Get(key string) ([]byte, bool, error) {
	v, err := r.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return v, true, nil
}

func (r *RedisKV) Del(key string) error {
	return classify(r.client.Del(key).Err())
}

func (r *RedisKV) TTL(key string) (time.Duration, bool, error) {
	d, err := r.client.TTL(key).Result()
	if err != nil {
		return 0, false, classify(err)
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (r *RedisKV) Expire(key string, ttl time.Duration) error {
	return classify(r.client.Expire(key, ttl).Err())
}

func (r *RedisKV) SAdd(key, member string) error {
	return classify(r.client.SAdd(key, member).Err())
}

func (r *RedisKV) SRem(key, member string) error {
	return classify(r.client.SRem(key, member).Err())
}

func (r *RedisKV) SMembers(key string) ([]string, error) {
	members, err := r.client.SMembers(key).Result()
	if err != nil && err != redis.Nil {
		return nil, classify(err)
	}
	return members, nil
}

func (r *RedisKV) HSet(key string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return classify(r.client.HMSet(key, values).Err())
}

func (r *RedisKV) HGet(key, field string) (string, bool, error) {
	v, err := r.client.HGet(key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return v, true, nil
}

func (r *RedisKV) HGetAll(key string) (map[string]string, error) {
	m, err := r.client.HGetAll(key).Result()
	if err != nil && err != redis.Nil {
		return nil, classify(err)
	}
	return m, nil
}

func (r *RedisKV) HIncrBy(key, field string, delta int64) error {
	return classify(r.client.HIncrBy(key, field, delta).Err())
}

func (r *RedisKV) RPush(key, value string) error {
	return classify(r.client.RPush(key, value).Err())
}

func (r *RedisKV) BLPop(key string, timeout time.Duration) (string, bool, error) {
	res, err := r.client.BLPop(timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}
