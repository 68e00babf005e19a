package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/manash/imgstudio/pkg/models"
)

const DefaultRedisKey = "imgstudio:history"

// RedisStore keeps the history blob under a single key, with the schema
// version alongside it under "<key>:version".
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStoreWithClient(client, DefaultRedisKey), nil
}

func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

func (s *RedisStore) versionKey() string {
	return s.key + ":version"
}

// Load reads the blob and its version together. A blob without a version
// predates the version key and goes through Migrate like any other.
func (s *RedisStore) Load(ctx context.Context) ([]models.GeneratedImage, error) {
	vals, err := s.client.MGet(ctx, s.key, s.versionKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if raw, ok := vals[1].(string); ok {
		version, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: version %q", ErrCorrupt, raw)
		}
		if version > SchemaVersion {
			return nil, fmt.Errorf("%w: version %d, supported %d", ErrNewerSchema, version, SchemaVersion)
		}
	}

	blob, ok := vals[0].(string)
	if !ok {
		return []models.GeneratedImage{}, nil
	}
	images, _, err := Migrate([]byte(blob), s.now())
	return images, err
}

func (s *RedisStore) Save(ctx context.Context, images []models.GeneratedImage) error {
	blob, err := encode(images)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, blob, 0)
		pipe.Set(ctx, s.versionKey(), strconv.Itoa(SchemaVersion), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
