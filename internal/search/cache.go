package search

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Keyring-Network/keyring-historian/internal/evidence"
)

const DefaultCacheSize = 100

// Cache holds normalized evidence keyed by the exact query string. It is
// bounded, evicts least recently used entries and never expires them. A Cache
// is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, []evidence.Item]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, []evidence.Item](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Get returns a copy of the cached items for query.
func (c *Cache) Get(query string) ([]evidence.Item, bool) {
	items, ok := c.entries.Get(query)
	if !ok {
		return nil, false
	}
	return slices.Clone(items), true
}

func (c *Cache) Add(query string, items []evidence.Item) {
	c.entries.Add(query, slices.Clone(items))
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
