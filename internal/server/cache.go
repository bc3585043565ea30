package server

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/futlize/vectordb/internal/search"
	gocache "github.com/patrickmn/go-cache"
)

// searchCache remembers search results keyed by index id, the entry count
// the search was admitted at, K and the exact query bits. Entries are never
// removed from an index, so a new insert changes the count and every older
// key simply stops matching until it expires.
type searchCache struct {
	ttl     time.Duration
	entries *gocache.Cache
}

func newSearchCache(ttl time.Duration) *searchCache {
	if ttl <= 0 {
		return nil
	}
	return &searchCache{
		ttl:     ttl,
		entries: gocache.New(ttl, 2*ttl),
	}
}

func searchCacheKey(indexID uint64, count int, q search.Query) string {
	buf := make([]byte, 0, 32+4*len(q.Embedding))
	buf = strconv.AppendUint(buf, indexID, 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(count), 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(q.K), 10)
	buf = append(buf, '/')
	for _, v := range q.Embedding {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return string(buf)
}

func (c *searchCache) get(key string) (search.Result, bool) {
	if c == nil {
		return search.Result{}, false
	}
	v, ok := c.entries.Get(key)
	if !ok {
		return search.Result{}, false
	}
	return v.(search.Result), true
}

func (c *searchCache) put(key string, res search.Result) {
	if c == nil {
		return
	}
	c.entries.SetDefault(key, res)
}

func (c *searchCache) len() int {
	if c == nil {
		return 0
	}
	return c.entries.ItemCount()
}
