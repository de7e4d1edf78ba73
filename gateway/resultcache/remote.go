// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package resultcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/executor"
	"setupranali.io/setupranali/private/redisutil"
)

const (
	remoteEntryPrefix   = "rc:"
	remoteDatasetPrefix = "rcds:"
)

// remoteEntry is the redis wire shape of a cached result.
type remoteEntry struct {
	Result     *executor.QueryResult `json:"result"`
	Dataset    string                `json:"dataset"`
	InsertedAt time.Time             `json:"inserted_at"`
}

// remoteMirror mirrors cache entries into redis so replicas share warm
// results. Mirror failures degrade to local-only behavior with a debug
// log; the request path never depends on the mirror.
type remoteMirror struct {
	log    *zap.Logger
	config Config

	mu     sync.Mutex
	client *redis.Client
}

func newRemoteMirror(log *zap.Logger, config Config) *remoteMirror {
	return &remoteMirror{log: log, config: config}
}

func (mirror *remoteMirror) Close() error {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if mirror.client != nil {
		return Error.Wrap(mirror.client.Close())
	}
	return nil
}

func (mirror *remoteMirror) open(ctx context.Context) (*redis.Client, error) {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if mirror.client != nil {
		return mirror.client, nil
	}
	client, err := redisutil.OpenClientFrom(ctx, mirror.config.RedisURL)
	if err != nil {
		return nil, err
	}
	mirror.client = client
	return client, nil
}

func (mirror *remoteMirror) ping(ctx context.Context) error {
	client, err := mirror.open(ctx)
	if err != nil {
		return err
	}
	return Error.Wrap(client.Ping(ctx).Err())
}

func (mirror *remoteMirror) lookup(ctx context.Context, fingerprint string) (*executor.QueryResult, time.Time, bool) {
	client, err := mirror.open(ctx)
	if err != nil {
		mirror.log.Debug("mirror unavailable", zap.Error(err))
		return nil, time.Time{}, false
	}

	data, err := client.Get(ctx, remoteEntryPrefix+fingerprint).Bytes()
	if err != nil {
		return nil, time.Time{}, false
	}
	var ent remoteEntry
	if err := json.Unmarshal(data, &ent); err != nil {
		mirror.log.Debug("undecodable mirror entry", zap.Error(err))
		return nil, time.Time{}, false
	}
	return ent.Result, ent.InsertedAt, true
}

func (mirror *remoteMirror) store(ctx context.Context, fingerprint, dataset string, result *executor.QueryResult) {
	client, err := mirror.open(ctx)
	if err != nil {
		return
	}

	data, err := json.Marshal(remoteEntry{Result: result, Dataset: dataset, InsertedAt: time.Now()})
	if err != nil {
		return
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, remoteEntryPrefix+fingerprint, data, mirror.config.TTL)
	pipe.SAdd(ctx, remoteDatasetPrefix+dataset, fingerprint)
	pipe.Expire(ctx, remoteDatasetPrefix+dataset, mirror.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		mirror.log.Debug("mirror store failed", zap.Error(err))
	}
}

func (mirror *remoteMirror) invalidateDataset(ctx context.Context, dataset string) (int, error) {
	client, err := mirror.open(ctx)
	if err != nil {
		return 0, err
	}

	fingerprints, err := client.SMembers(ctx, remoteDatasetPrefix+dataset).Result()
	if err != nil {
		return 0, Error.Wrap(err)
	}

	keys := make([]string, 0, len(fingerprints)+1)
	for _, fp := range fingerprints {
		keys = append(keys, remoteEntryPrefix+fp)
	}
	keys = append(keys, remoteDatasetPrefix+dataset)
	if err := client.Del(ctx, keys...).Err(); err != nil {
		return 0, Error.Wrap(err)
	}
	return len(fingerprints), nil
}

func (mirror *remoteMirror) clear(ctx context.Context) error {
	client, err := mirror.open(ctx)
	if err != nil {
		return err
	}

	iter := client.Scan(ctx, 0, remoteEntryPrefix+"*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return Error.Wrap(err)
	}
	iter = client.Scan(ctx, 0, remoteDatasetPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return Error.Wrap(err)
	}
	if len(keys) == 0 {
		return nil
	}
	return Error.Wrap(client.Del(ctx, keys...).Err())
}
