package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryVector is an in-process VectorStore used by tests and by `doctor`
// when no Qdrant endpoint is configured. It supports named vectors and a
// best-effort HNSW toggle (a no-op, since there's no index to disable).
type memoryVector struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point // collection -> id -> point
}

// NewMemoryVector builds an in-memory VectorStore.
func NewMemoryVector() VectorStore {
	return &memoryVector{collections: make(map[string]map[string]Point)}
}

func (m *memoryVector) bucket(collection string) map[string]Point {
	b, ok := m.collections[collection]
	if !ok {
		b = make(map[string]Point)
		m.collections[collection] = b
	}
	return b
}

func (m *memoryVector) CollectionExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *memoryVector) CreateCollection(_ context.Context, name string, _ map[string]int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(name)
	return nil
}

func (m *memoryVector) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *memoryVector) GetCollectionInfo(_ context.Context, name string) (CollectionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := uint64(len(m.collections[name]))
	return CollectionInfo{PointsCount: n, VectorsCount: n, Status: "green"}, nil
}

func (m *memoryVector) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(collection)
	for _, p := range points {
		vectors := make(map[string][]float32, len(p.Vectors))
		for name, v := range p.Vectors {
			cp := make([]float32, len(v))
			copy(cp, v)
			vectors[name] = cp
		}
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		b[p.ID] = Point{ID: p.ID, Vectors: vectors, Payload: payload}
	}
	return nil
}

func (m *memoryVector) Delete(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.collections[collection]
	for _, id := range ids {
		delete(b, id)
	}
	return nil
}

func (m *memoryVector) Search(_ context.Context, collection string, params SearchParams) ([]VectorResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vectorName := params.VectorName
	if vectorName == "" {
		vectorName = "text"
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}
	qnorm := normOf(params.Vector)
	results := make([]VectorResult, 0)
	for _, p := range m.collections[collection] {
		v, ok := p.Vectors[vectorName]
		if !ok || !matchesFilter(p.Payload, params.Filter) {
			continue
		}
		score := cosine(params.Vector, v, qnorm)
		if params.ScoreThreshold > 0 && score < params.ScoreThreshold {
			continue
		}
		results = append(results, VectorResult{ID: p.ID, Score: score, Payload: copyAny(p.Payload)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *memoryVector) Scroll(_ context.Context, collection string, params ScrollParams) ([]Point, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	ids := make([]string, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Point, 0, limit)
	for _, id := range ids {
		p := m.collections[collection][id]
		if !matchesFilter(p.Payload, params.Filter) {
			continue
		}
		cp := Point{ID: p.ID, Payload: copyAny(p.Payload)}
		if params.WithVector {
			cp.Vectors = p.Vectors
		}
		out = append(out, cp)
		if len(out) >= limit {
			break
		}
	}
	return out, "", nil
}

func (m *memoryVector) Retrieve(_ context.Context, collection string, ids []string) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Point, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.collections[collection][id]; ok {
			out = append(out, Point{ID: p.ID, Vectors: p.Vectors, Payload: copyAny(p.Payload)})
		}
	}
	return out, nil
}

func (m *memoryVector) SetPayload(_ context.Context, collection string, ids []string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.collections[collection]
	for _, id := range ids {
		p, ok := b[id]
		if !ok {
			continue
		}
		for k, v := range patch {
			p.Payload[k] = v
		}
		b[id] = p
	}
	return nil
}

func (m *memoryVector) WithHNSWDisabled(_ context.Context, _ string, action func() error) error {
	return action()
}

func (m *memoryVector) SetHNSW(_ context.Context, _ string, _ bool) error { return nil }

func (m *memoryVector) Close() error { return nil }

func matchesFilter(payload map[string]any, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func copyAny(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func normOf(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dotOf(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = normOf(a)
	}
	bnorm := normOf(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	return dotOf(a, b) / (anorm * bnorm)
}

// memoryFullText is an in-process FullTextStore used by tests and as the
// `doctor`-reported fallback when ClickHouse is disabled.
type memoryFullText struct {
	mu   sync.RWMutex
	docs map[string]memDoc
}

type memDoc struct {
	text     string
	metadata map[string]string
}

// NewMemoryFullText builds an in-memory FullTextStore.
func NewMemoryFullText() FullTextStore {
	return &memoryFullText{docs: make(map[string]memDoc)}
}

func (m *memoryFullText) Index(_ context.Context, id, text string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cp[k] = v
	}
	m.docs[id] = memDoc{text: text, metadata: cp}
	return nil
}

func (m *memoryFullText) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memoryFullText) Search(_ context.Context, query string, limit int) ([]FullTextResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(query)
	results := make([]FullTextResult, 0)
	for id, d := range m.docs {
		count := strings.Count(strings.ToLower(d.text), q)
		if count == 0 {
			continue
		}
		snippet := d.text
		if len(snippet) > 160 {
			snippet = snippet[:160]
		}
		results = append(results, FullTextResult{ID: id, Score: float64(count), Text: d.text, Snippet: snippet, Metadata: d.metadata})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *memoryFullText) Close() error { return nil }

// memoryCache is an in-process Cache used by tests. Subscribe fans out
// published events to every active subscriber channel. Expiry is evaluated
// lazily on Get, matching TTL semantics closely enough for tests.
type memoryCache struct {
	mu     sync.RWMutex
	values map[string]cacheEntry
	locks  map[string]lockEntry
	subs   []chan Event
}

type cacheEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryCache builds an in-memory Cache.
func NewMemoryCache() Cache {
	return &memoryCache{values: make(map[string]cacheEntry), locks: make(map[string]lockEntry)}
}

func (m *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.values, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *memoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *memoryCache) Publish(_ context.Context, event Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		select {
		case sub <- event:
		default:
		}
	}
	return nil
}

func (m *memoryCache) Subscribe(_ context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel
}

func (m *memoryCache) AcquireLock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	m.locks[key] = lockEntry{holder: holder, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *memoryCache) Close() error { return nil }
