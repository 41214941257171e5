package search

import (
	"context"
	"errors"
	"slices"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/Keyring-Network/keyring-historian/internal/evidence"
)

var ErrEmptyQuery = errors.New("search query is empty")

// Retriever searches, normalizes and caches evidence for a query.
type Retriever struct {
	searcher Searcher
	cache    *Cache
	inflight singleflight.Group
}

// NewRetriever returns a Retriever over searcher. cache may be nil.
func NewRetriever(searcher Searcher, cache *Cache) *Retriever {
	return &Retriever{searcher: searcher, cache: cache}
}

// Retrieve returns at most evidence.MaxItems items for query. Identical
// concurrent misses share one upstream call; failed calls are not cached.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]evidence.Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if r.cache != nil {
		if items, ok := r.cache.Get(query); ok {
			return items, nil
		}
	}

	ch := r.inflight.DoChan(query, func() (any, error) {
		return r.fetch(ctx, query)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The shared call belonged to a caller that went away.
			if res.Shared && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				return r.fetch(ctx, query)
			}
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]evidence.Item)), nil
	}
}

func (r *Retriever) fetch(ctx context.Context, query string) ([]evidence.Item, error) {
	raw, err := r.searcher.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	items := evidence.Normalize(raw)
	if r.cache != nil {
		r.cache.Add(query, items)
	}
	return items, nil
}
