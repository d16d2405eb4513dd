package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

// memoryCache is an in-process Cache. It honours the same contract as the
// Redis implementation but is scoped to one process, so cross-instance
// locking and markers do not hold. Used by tests and single-instance
// development runs.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	sets    map[string]map[string]struct{}
	log     *logger.Logger
	closed  bool
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory returns an in-process Cache implementation.
func NewMemory(log *logger.Logger) Cache {
	if log == nil {
		log = logger.Default()
	}
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		log:     log,
	}
}

func (m *memoryCache) get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e.data, true
}

func (m *memoryCache) set(key string, data []byte, ttl time.Duration) {
	e := memoryEntry{data: data}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *memoryCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	data, ok := m.get(key)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		m.log.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (m *memoryCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.set(key, data, ttl)
	m.mu.Unlock()
	return nil
}

func (m *memoryCache) GetManyJSON(ctx context.Context, keys []string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if data, ok := m.get(key); ok {
			out[i] = data
		}
	}
	return out, nil
}

func (m *memoryCache) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var members []string
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *memoryCache) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	m.sets[key][member] = struct{}{}
	return nil
}

func (m *memoryCache) RemoveFromSet(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

func (m *memoryCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.get(key); held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.set(key, []byte(token), ttl)
	return token, true, nil
}

func (m *memoryCache) ReleaseLock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.get(key); ok && string(data) == token {
		delete(m.entries, key)
	}
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *memoryCache) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(key)
	return ok, nil
}

func (m *memoryCache) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, []byte("1"), ttl)
	return nil
}

func (m *memoryCache) SetMarkerNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.get(key); held {
		return false, nil
	}
	m.set(key, []byte("1"), ttl)
	return true, nil
}

func (m *memoryCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if data, ok := m.get(key); ok {
		_ = json.Unmarshal(data, &n)
	}
	n++
	data, _ := json.Marshal(n)
	if n == 1 {
		m.set(key, data, ttl)
	} else {
		e := m.entries[key]
		e.data = data
		m.entries[key] = e
	}
	return n, nil
}

func (m *memoryCache) ScanKeys(ctx context.Context, pattern string, max int) ([]string, error) {
	if pattern == "" || pattern == "*" {
		return nil, ErrBadPattern
	}
	if max <= 0 || max > maxScanKeys {
		max = maxScanKeys
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var keys []string
	for key, e := range m.entries {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
			if len(keys) >= max {
				break
			}
		}
	}
	return keys, nil
}

func (m *memoryCache) Ping(ctx context.Context) error {
	return nil
}

func (m *memoryCache) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
