package store

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/model"
)

// CachedStore wraps a Store with a bounded in-memory LRU of reports so hot
// retrievals skip the database. Writes go through to the backing store first;
// the cache is only updated after the store accepts the write, so a cached
// report is never newer than the durable one.
type CachedStore struct {
	Store

	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	id     string
	report *model.Report
}

// NewCachedStore wraps inner with an LRU of the given capacity.
func NewCachedStore(inner Store, capacity int) *CachedStore {
	if capacity <= 0 {
		capacity = 512
	}
	return &CachedStore{
		Store:    inner,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *CachedStore) PutReport(ctx context.Context, report *model.Report) error {
	if err := c.Store.PutReport(ctx, report); err != nil {
		// The cached copy may be stale relative to whatever won the write.
		c.invalidate(report.ID)
		return err
	}
	c.add(report.ID, report.Clone())
	return nil
}

// ReopenReport delegates to the backing store and drops the cached copy,
// which still carries the finalized status.
func (c *CachedStore) ReopenReport(ctx context.Context, id string) error {
	if err := c.Store.ReopenReport(ctx, id); err != nil {
		return err
	}
	c.invalidate(id)
	return nil
}

func (c *CachedStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	if report, ok := c.lookup(id); ok {
		return report, nil
	}

	report, err := c.Store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	c.add(id, report.Clone())
	return report, nil
}

func (c *CachedStore) ExistsReport(ctx context.Context, id string) (bool, error) {
	if _, ok := c.lookup(id); ok {
		return true, nil
	}
	return c.Store.ExistsReport(ctx, id)
}

// Len returns the number of cached reports.
func (c *CachedStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CachedStore) lookup(id string) (*model.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).report.Clone(), true
}

func (c *CachedStore) add(id string, report *model.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		elem.Value.(*cacheEntry).report = report
		c.order.MoveToFront(elem)
		return
	}

	c.entries[id] = c.order.PushFront(&cacheEntry{id: id, report: report})

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			evicted := oldest.Value.(*cacheEntry)
			c.order.Remove(oldest)
			delete(c.entries, evicted.id)
			zap.L().Debug("report cache eviction", zap.String("report_id", evicted.id))
		}
	}
}

func (c *CachedStore) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		c.order.Remove(elem)
		delete(c.entries, id)
	}
}
