package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreType represents the type of registry store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

const (
	defaultKeyPrefix = "medinote:session:"
	defaultTTL       = 24 * time.Hour
)

// NewStore creates a new Store based on the given type.
// For Redis, requires the WithRedisClient option.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{}

	for _, opt := range opts {
		opt(config)
	}

	switch storeType {
	case StoreTypeMemory:
		return &inMemoryStore{
			entries: make(map[string]*Entry),
		}, nil

	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		ttl := config.redisTTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		prefix := config.keyPrefix
		if prefix == "" {
			prefix = defaultKeyPrefix
		}
		return &redisStore{
			client: config.redisClient,
			ttl:    ttl,
			prefix: prefix,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}
}

// inMemoryStore implements Store using an in-memory map with optimistic locking.
// Entries are copied on the way in and out so callers never share state.
type inMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Create implements Store.
func (s *inMemoryStore) Create(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.SessionID]; exists {
		return ErrExists
	}

	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Version = 1

	s.entries[e.SessionID] = e.clone()
	return nil
}

// Get implements Store.
func (s *inMemoryStore) Get(ctx context.Context, sessionID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[sessionID]
	if !exists {
		return nil, nil
	}
	return e.clone(), nil
}

// Update implements Store.
func (s *inMemoryStore) Update(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.entries[e.SessionID]
	if !exists {
		return ErrNotFound
	}

	if stored.Version != e.Version {
		return ErrVersionConflict
	}

	e.Version++
	e.UpdatedAt = time.Now()

	s.entries[e.SessionID] = e.clone()
	return nil
}

// Delete implements Store.
func (s *inMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, sessionID)
	return nil
}

// List implements Store.
func (s *inMemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e.clone())
	}
	return out, nil
}

// Close implements Store.
func (s *inMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	return nil
}

// redisStore implements Store using Redis with optimistic locking.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func (s *redisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Create implements Store.
func (s *redisStore) Create(ctx context.Context, e *Entry) error {
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Version = 1

	val, err := json.Marshal(e)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.key(e.SessionID), val, s.ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrExists
	}
	return nil
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, sessionID string) (*Entry, error) {
	key := s.key(sessionID)
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("failed to decode registry entry %s: %w", sessionID, err)
	}

	// Refresh TTL on read
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	return &e, nil
}

// Update implements Store.
func (s *redisStore) Update(ctx context.Context, e *Entry) error {
	key := s.key(e.SessionID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored Entry
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}

		if stored.Version != e.Version {
			return ErrVersionConflict
		}

		next := e.clone()
		next.Version++
		next.UpdatedAt = time.Now()

		newVal, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		if err == redis.TxFailedErr {
			return ErrVersionConflict
		}
		if err != nil {
			return err
		}

		e.Version = next.Version
		e.UpdatedAt = next.UpdatedAt
		return nil
	}, key)
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

// List implements Store.
func (s *redisStore) List(ctx context.Context) ([]Entry, error) {
	var out []Entry

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			// Expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, err
		}

		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return nil, fmt.Errorf("failed to decode registry entry %s: %w", iter.Val(), err)
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}
