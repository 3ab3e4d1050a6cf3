package search

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// etagFor derives the cache key for a normalized query at a catalog watermark.
// Any successful catalog write advances the watermark, so stale entries can
// never be served; they age out of the LRU on their own.
func etagFor(q models.SearchQuery, watermark uint64) string {
	var b strings.Builder
	b.WriteString(q.Query)
	b.WriteByte('\n')
	b.WriteString(q.Type)
	b.WriteByte('\n')
	writeSet(&b, q.Capabilities)
	writeSet(&b, q.Frameworks)
	writeSet(&b, q.Providers)
	fmt.Fprintf(&b, "%s\n%d\n%t\n%t\n%s\n%d", q.Mode, q.Limit, q.IncludePending, q.WithRAG, q.Rerank, watermark)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func writeSet(b *strings.Builder, values []string) {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	b.WriteString(strings.Join(sorted, ","))
	b.WriteByte('\n')
}

// resultCache is a small threadsafe LRU keyed by ETag.
type resultCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List               // front = most recent
	entries map[string]*list.Element // etag -> element holding cacheEntry
}

type cacheEntry struct {
	etag string
	resp *models.SearchResponse
}

func newResultCache(max int) *resultCache {
	if max < 1 {
		max = 1
	}
	return &resultCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *resultCache) get(etag string) (*models.SearchResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[etag]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).resp, true
}

func (c *resultCache) put(etag string, resp *models.SearchResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[etag]; ok {
		el.Value.(*cacheEntry).resp = resp
		c.order.MoveToFront(el)
		return
	}
	c.entries[etag] = c.order.PushFront(&cacheEntry{etag: etag, resp: resp})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).etag)
	}
}
