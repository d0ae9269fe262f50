package infra

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	_ RedisStore = (*GoRedisAdapter)(nil)
	_ RedisStore = (*MemoryStore)(nil)
)

// MemoryStore is an in-process RedisStore for tests and local
// development. Single node semantics only.
type MemoryStore struct {
	mu      sync.Mutex
	strs    map[string]string
	lists   map[string][]string
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time
	nowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strs:    make(map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// WithClock pins the store's notion of now for expiry tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
	return m
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strs[key] = value
	m.setTTL(key, ttl)
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	if _, exists := m.strs[key]; exists {
		return false, nil
	}
	m.strs[key] = value
	m.setTTL(key, ttl)
	return true, nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.drop(key)
	}
	return nil
}

func (m *MemoryStore) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	if m.strs[key] != value {
		return false, nil
	}
	m.drop(key)
	return true, nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	n := parseInt(m.strs[key]) + 1
	m.strs[key] = formatInt(n)
	return n, nil
}

func (m *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	n := parseInt(m.strs[key]) + 1
	m.strs[key] = formatInt(n)
	m.setTTL(key, ttl)
	return n, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTTL(key, ttl)
	return nil
}

func (m *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return nil
}

func (m *MemoryStore) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	list := m.lists[key]
	lo, hi := rangeBounds(start, stop, int64(len(list)))
	if lo >= hi {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = append([]string(nil), list[lo:hi]...)
	return nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	list := m.lists[key]
	lo, hi := rangeBounds(start, stop, int64(len(list)))
	if lo >= hi {
		return nil, nil
	}
	return append([]string(nil), list[lo:hi]...), nil
}

func (m *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) LMoveBatch(ctx context.Context, src, dst string, max int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(src)
	var moved []string
	for i := 0; i < max && len(m.lists[src]) > 0; i++ {
		item := m.lists[src][0]
		m.lists[src] = m.lists[src][1:]
		m.lists[dst] = append(m.lists[dst], item)
		moved = append(moved, item)
	}
	if len(m.lists[src]) == 0 {
		delete(m.lists, src)
	}
	return moved, nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] = score
	return nil
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	type pair struct {
		member string
		score  float64
	}
	var hits []pair
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			hits = append(hits, pair{member, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].member < hits[j].member
		}
		return hits[i].score < hits[j].score
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

func (m *MemoryStore) ZRemRangeBelow(ctx context.Context, key string, cutoff float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	for member, score := range m.zsets[key] {
		if score <= cutoff {
			delete(m.zsets[key], member)
		}
	}
	return nil
}

func (m *MemoryStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	seen := make(map[string]bool)
	collect := func(key string) {
		if seen[key] || !globMatch(pattern, key) {
			return
		}
		if exp, ok := m.expiry[key]; ok && !m.nowFunc().Before(exp) {
			return
		}
		seen[key] = true
		keys = append(keys, key)
	}
	for k := range m.strs {
		collect(k)
	}
	for k := range m.lists {
		collect(k)
	}
	for k := range m.zsets {
		collect(k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- internal helpers ---

func (m *MemoryStore) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.nowFunc().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *MemoryStore) evict(key string) {
	if exp, ok := m.expiry[key]; ok && !m.nowFunc().Before(exp) {
		m.drop(key)
	}
}

func (m *MemoryStore) drop(key string) {
	delete(m.strs, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.expiry, key)
}

func rangeBounds(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return 0, 0
	}
	return start, stop + 1
}

// globMatch supports the '*' wildcard, which is all the proxy's key
// patterns use.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
