package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-redis/redis/v8"

	"github.com/ckstats/ckstatsd/internal/util"
)

const (
	keyPrefix = "ckstats:"

	keyPoolSnapshot    = keyPrefix + "snapshot:pool"
	keyNetworkSnapshot = keyPrefix + "snapshot:network"
	keyUserSnapshot    = keyPrefix + "snapshot:user:%s"
)

// snapshotTTL bounds how long a stale fallback snapshot stays servable.
const snapshotTTL = 24 * time.Hour

// SnapshotStore persists last-good API payloads to Redis so restarts
// and daemon outages can keep serving stale data. A nil store is valid
// and turns every operation into a no-op.
type SnapshotStore struct {
	client *redis.Client
}

// NewSnapshotStore connects to Redis and verifies the connection.
func NewSnapshotStore(url, password string, db int) (*SnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &SnapshotStore{client: client}, nil
}

func (s *SnapshotStore) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

func (s *SnapshotStore) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// SavePoolSnapshot stores the latest pool aggregate.
func (s *SnapshotStore) SavePoolSnapshot(ctx context.Context, v interface{}) error {
	return s.save(ctx, keyPoolSnapshot, v)
}

// PoolSnapshot loads the last stored pool aggregate into v.
func (s *SnapshotStore) PoolSnapshot(ctx context.Context, v interface{}) (bool, error) {
	return s.load(ctx, keyPoolSnapshot, v)
}

// SaveNetworkSnapshot stores the latest chain view.
func (s *SnapshotStore) SaveNetworkSnapshot(ctx context.Context, v interface{}) error {
	return s.save(ctx, keyNetworkSnapshot, v)
}

// NetworkSnapshot loads the last stored chain view into v.
func (s *SnapshotStore) NetworkSnapshot(ctx context.Context, v interface{}) (bool, error) {
	return s.load(ctx, keyNetworkSnapshot, v)
}

// SaveUserSnapshot stores the latest per-address stats.
func (s *SnapshotStore) SaveUserSnapshot(ctx context.Context, address string, v interface{}) error {
	return s.save(ctx, fmt.Sprintf(keyUserSnapshot, address), v)
}

// UserSnapshot loads the last stored per-address stats into v.
func (s *SnapshotStore) UserSnapshot(ctx context.Context, address string, v interface{}) (bool, error) {
	return s.load(ctx, fmt.Sprintf(keyUserSnapshot, address), v)
}

func (s *SnapshotStore) save(ctx context.Context, key string, v interface{}) error {
	if s == nil {
		return nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, key, data, snapshotTTL).Err()
}

func (s *SnapshotStore) load(ctx context.Context, key string, v interface{}) (bool, error) {
	if s == nil {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return true, nil
}
