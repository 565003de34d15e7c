package normalize

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

type NodeFetcher interface {
	FetchNodes(ctx context.Context) ([]models.NodeInfo, error)
}

// NodeCache holds the backend node list for at most ttl before Get or
// RefreshIfStale fetch it again. A failed refresh keeps the previous list.
type NodeCache struct {
	src NodeFetcher
	ttl time.Duration
	now func() time.Time
	sf  singleflight.Group

	mu        sync.RWMutex
	nodes     map[string]models.NodeInfo
	fetchedAt time.Time
}

func NewNodeCache(src NodeFetcher, ttl time.Duration) *NodeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NodeCache{src: src, ttl: ttl, now: time.Now, nodes: map[string]models.NodeInfo{}}
}

func (c *NodeCache) TTL() time.Duration { return c.ttl }

func (c *NodeCache) Lookup(id string) (models.NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Get returns the cached nodes ordered by weight then name, refreshing first
// when the cache is stale. Stale data is returned along with a refresh error.
func (c *NodeCache) Get(ctx context.Context) ([]models.NodeInfo, error) {
	err := c.RefreshIfStale(ctx)
	c.mu.RLock()
	out := make([]models.NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight < out[j].Weight
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UUID < out[j].UUID
	})
	return out, err
}

func (c *NodeCache) Refresh(ctx context.Context) error {
	_, err, _ := c.sf.Do("nodes", func() (any, error) {
		list, err := c.src.FetchNodes(ctx)
		if err != nil {
			return nil, err
		}
		nodes := make(map[string]models.NodeInfo, len(list))
		for _, n := range list {
			if n.UUID == "" {
				continue
			}
			nodes[n.UUID] = n
		}
		c.mu.Lock()
		c.nodes = nodes
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *NodeCache) RefreshIfStale(ctx context.Context) error {
	if !c.Stale() {
		return nil
	}
	return c.Refresh(ctx)
}

func (c *NodeCache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt.IsZero() || c.now().Sub(c.fetchedAt) >= c.ttl
}

// Invalidate marks the cache stale without dropping the current entries.
func (c *NodeCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
