package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
)

var ErrVersionConflict = errors.New("relay: storage object version mismatch")

// StoredObject: объект хранилища пользователя
type StoredObject struct {
	Collection      string          `json:"collection"`
	Key             string          `json:"key"`
	UserID          string          `json:"user_id"`
	Value           json.RawMessage `json:"value"`
	Version         string          `json:"version"`
	PermissionRead  int             `json:"permission_read"`
	PermissionWrite int             `json:"permission_write"`
}

func objectKey(collection, userID, key string) string {
	return collection + "/" + userID + "/" + key
}

// ObjectStore: хранилище объектов пользователей. Непустой expectVersion требует
// совпадения с текущей версией объекта.
type ObjectStore interface {
	Write(ctx context.Context, obj StoredObject, expectVersion string) (string, error)
	Read(ctx context.Context, collection, userID, key string) (StoredObject, bool, error)
}

// MemoryStore: хранилище в памяти процесса
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]StoredObject
}

// NewMemoryStore создаёт пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]StoredObject)}
}

func (s *MemoryStore) Write(_ context.Context, obj StoredObject, expectVersion string) (string, error) {
	k := objectKey(obj.Collection, obj.UserID, obj.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if cur, ok := s.objects[k]; ok {
		if expectVersion != "" && expectVersion != cur.Version {
			return "", ErrVersionConflict
		}
		version, _ = strconv.ParseInt(cur.Version, 10, 64)
	}
	obj.Version = strconv.FormatInt(version+1, 10)
	s.objects[k] = obj
	return obj.Version, nil
}

func (s *MemoryStore) Read(_ context.Context, collection, userID, key string) (StoredObject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectKey(collection, userID, key)]
	return obj, ok, nil
}

// RedisStore хранит объекты в хеше relay:objects (collection/user/key -> JSON)
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore создаёт хранилище поверх клиента
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, key: redisObjectsKey}
}

func (s *RedisStore) Write(ctx context.Context, obj StoredObject, expectVersion string) (string, error) {
	field := objectKey(obj.Collection, obj.UserID, obj.Key)

	var version string
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := s.get(ctx, tx, field)
		if err != nil {
			return err
		}
		var n int64
		if ok {
			if expectVersion != "" && expectVersion != cur.Version {
				return ErrVersionConflict
			}
			n, _ = strconv.ParseInt(cur.Version, 10, 64)
		}
		obj.Version = strconv.FormatInt(n+1, 10)

		data, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, s.key, field, data)
			return nil
		})
		if err == nil {
			version = obj.Version
		}
		return err
	}, s.key)
	if err != nil {
		return "", fmt.Errorf("redis store: %w", err)
	}
	return version, nil
}

func (s *RedisStore) Read(ctx context.Context, collection, userID, key string) (StoredObject, bool, error) {
	obj, ok, err := s.get(ctx, s.client, objectKey(collection, userID, key))
	if err != nil {
		return StoredObject{}, false, fmt.Errorf("redis store: %w", err)
	}
	return obj, ok, nil
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c hashGetter, field string) (StoredObject, bool, error) {
	raw, err := c.HGet(ctx, s.key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return StoredObject{}, false, nil
	}
	if err != nil {
		return StoredObject{}, false, err
	}
	var obj StoredObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return StoredObject{}, false, err
	}
	return obj, true, nil
}
