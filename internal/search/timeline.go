package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"atlas/internal/model"
	"atlas/internal/storage"
)

// TimelineParams parametrizes the Timeline view (spec §4.7).
type TimelineParams struct {
	Since, Until       time.Time
	TimelineID         string
	QNTMKey            string
	Granularity        string // "hour"|"day"
	IncludeCausalLinks bool
	Limit              int
}

// TimelineResult is one chunk surfaced by Timeline, bucketed by Granularity.
type TimelineResult struct {
	Result
	Bucket      string
	CausalLinks []model.CausalLink
}

// Timeline scrolls chunks created within [Since, Until], optionally narrowed
// by TimelineID (stored as a payload field on chunks belonging to a named
// thread) or QNTMKey, orders by created_at, and buckets by granularity.
func (s *Service) Timeline(ctx context.Context, p TimelineParams) ([]TimelineResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	granularity := p.Granularity
	if granularity == "" {
		granularity = "day"
	}

	var matched []model.Chunk
	offset := ""
	for {
		points, next, err := s.Store.Vector.Scroll(ctx, s.Collection, storage.ScrollParams{Limit: 500, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("search: timeline scroll: %w", err)
		}
		for _, pt := range points {
			c := storage.ChunkFromPayload(pt.Payload)
			if c.DeletionEligible {
				continue
			}
			if !p.Since.IsZero() && c.CreatedAt.Before(p.Since) {
				continue
			}
			if !p.Until.IsZero() && c.CreatedAt.After(p.Until) {
				continue
			}
			if p.TimelineID != "" && str(pt.Payload["timeline_id"]) != p.TimelineID {
				continue
			}
			if p.QNTMKey != "" && !containsString(c.QntmKeys, p.QNTMKey) {
				continue
			}
			matched = append(matched, c)
		}
		if next == "" {
			break
		}
		offset = next
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]TimelineResult, 0, len(matched))
	for _, c := range matched {
		tr := TimelineResult{
			Result: Result{ID: c.ID, Score: 1, Text: c.Text, Chunk: c},
			Bucket: bucketOf(c.CreatedAt, granularity),
		}
		if p.IncludeCausalLinks {
			tr.CausalLinks, _ = s.links.For(ctx, c.ID)
		}
		out = append(out, tr)
	}
	return out, nil
}

// AddCausalLink records a directed edge between two chunks (spec §3). Links
// are additive; they never imply ownership and never block on rejection of
// one endpoint existing.
func (s *Service) AddCausalLink(ctx context.Context, link model.CausalLink) error {
	return s.links.Add(ctx, link)
}

func bucketOf(t time.Time, granularity string) string {
	u := t.UTC()
	if granularity == "hour" {
		return u.Format("2006-01-02T15")
	}
	return u.Format("2006-01-02")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// causalLinkStore persists outgoing causal links per chunk id. It prefers the
// Storage Service's cache tier (JSON-encoded list per key, same Get/Set shape
// as internal/storage/cache.go's RedisCache) and falls back to an in-process
// map when no cache tier is configured.
type causalLinkStore struct {
	cache storage.Cache

	mu  sync.RWMutex
	mem map[string][]model.CausalLink
}

func newCausalLinkStore(cache storage.Cache) *causalLinkStore {
	return &causalLinkStore{cache: cache, mem: make(map[string][]model.CausalLink)}
}

func causalLinkKey(chunkID string) string {
	return "atlas:causal_links:" + chunkID
}

// Add records a new outgoing causal link from link.FromID.
func (c *causalLinkStore) Add(ctx context.Context, link model.CausalLink) error {
	existing, err := c.For(ctx, link.FromID)
	if err != nil {
		return err
	}
	existing = append(existing, link)

	if c.cache != nil {
		encoded, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return c.cache.Set(ctx, causalLinkKey(link.FromID), string(encoded), 0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[link.FromID] = existing
	return nil
}

// For returns chunkID's outgoing causal links.
func (c *causalLinkStore) For(ctx context.Context, chunkID string) ([]model.CausalLink, error) {
	if c.cache != nil {
		raw, ok, err := c.cache.Get(ctx, causalLinkKey(chunkID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		var links []model.CausalLink
		if err := json.Unmarshal([]byte(raw), &links); err != nil {
			return nil, err
		}
		return links, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.CausalLink(nil), c.mem[chunkID]...), nil
}
