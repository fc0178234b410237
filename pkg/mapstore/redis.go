package mapstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ldaptoid/ldaptoid/internal/logger"
)

// Redis hash fields of one record.
const (
	fieldUID = "uid"
	fieldGID = "gid"
	fieldTS  = "ts"
)

// scanBatch is the COUNT hint for SCAN during List.
const scanBatch = 512

// RedisConfig carries the connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	Database int

	// OpTimeout bounds each store operation; zero means DefaultOpTimeout.
	OpTimeout time.Duration
}

// RedisStore implements Store on a Redis server. Records are hashes:
//
//	HSET ldaptoid:user:<id> uid <n> ts <unix>
//	HSET ldaptoid:group:<id> gid <n> ts <unix>
type RedisStore struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisStore creates the store; Connect establishes the connection.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	return &RedisStore{cfg: cfg}
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// Connect opens the client and verifies reachability.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Password: s.cfg.Password,
		DB:       s.cfg.Database,
	})
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("mapstore: redis ping failed: %w", err)
	}
	logger.Info("mapping store connected",
		"addr", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		"db", s.cfg.Database)
	return nil
}

// Disconnect closes the client.
func (s *RedisStore) Disconnect(context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Put persists one assignment. Callers only write keys the store has
// not seen, and an allocator never changes a committed mapping, so a
// repeated write always carries the same ids.
func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	fields := map[string]any{fieldTS: rec.Timestamp.Unix()}
	if rec.UID > 0 {
		fields[fieldUID] = rec.UID
	}
	if rec.GID > 0 {
		fields[fieldGID] = rec.GID
	}
	if err := s.client.HSet(opCtx, StorageKey(key), fields).Err(); err != nil {
		return fmt.Errorf("mapstore: put %s: %w", key, err)
	}
	return nil
}

// Get returns one record.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	vals, err := s.client.HGetAll(opCtx, StorageKey(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("mapstore: get %s: %w", key, err)
	}
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	return recordFromHash(vals), true, nil
}

// List scans every key under the namespace. Run once at startup to seed
// the allocators.
func (s *RedisStore) List(ctx context.Context) (map[string]Record, error) {
	out := make(map[string]Record)
	var cursor uint64
	for {
		opCtx, cancel := s.opCtx(ctx)
		keys, next, err := s.client.Scan(opCtx, cursor, KeyPrefix+"*", scanBatch).Result()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("mapstore: scan: %w", err)
		}
		for _, storageKey := range keys {
			key, ok := AllocatorKey(storageKey)
			if !ok {
				continue
			}
			vals, err := s.client.HGetAll(opCtx, storageKey).Result()
			if err != nil {
				cancel()
				return nil, fmt.Errorf("mapstore: get %s: %w", key, err)
			}
			if len(vals) > 0 {
				out[key] = recordFromHash(vals)
			}
		}
		cancel()
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Ping reports reachability.
func (s *RedisStore) Ping(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Ping(opCtx).Err() == nil
}

func recordFromHash(vals map[string]string) Record {
	var rec Record
	if v, err := strconv.Atoi(vals[fieldUID]); err == nil {
		rec.UID = v
	}
	if v, err := strconv.Atoi(vals[fieldGID]); err == nil {
		rec.GID = v
	}
	if ts, err := strconv.ParseInt(vals[fieldTS], 10, 64); err == nil {
		rec.Timestamp = time.Unix(ts, 0).UTC()
	}
	return rec
}
