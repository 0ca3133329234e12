package kvstore

import (
	"context"

	"github.com/cuemby/kvstore/pkg/index"
	"github.com/cuemby/kvstore/pkg/model"
)

// QueryByTags returns every key currently bearing all of tags (AND
// semantics), along with its metadata. It reads the tag index directly,
// without pagination and without the query cache.
func (s *Store) QueryByTags(ctx context.Context, tags []string) (map[string]*model.Metadata, error) {
	keys := s.idx.QueryTags(tags, index.AND)
	out := make(map[string]*model.Metadata, len(keys))
	for _, key := range keys {
		rec, err := s.metaStore.GetMetadata(ctx, s.modelKey(key))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		out[key] = rec
	}
	return out, nil
}

// QueryByTagsAdvanced evaluates a single tag-list/operator query with
// pagination and the query cache.
func (s *Store) QueryByTagsAdvanced(tags []string, operator index.Operator, page, pageSize int) index.PagedResult {
	return s.idx.QueryPaged(s.db, s.namespace, tags, operator, page, pageSize)
}

// ComplexQuery folds a list of AND/OR/NOT conditions left-to-right into a
// running result set: AND intersects, OR unions, NOT subtracts.
func (s *Store) ComplexQuery(conditions []index.Condition, page, pageSize int) index.PagedResult {
	return s.idx.ComplexQuery(s.db, s.namespace, conditions, page, pageSize)
}

// ListAllTags returns every currently-indexed tag and its member count.
func (s *Store) ListAllTags() map[string]int {
	return s.idx.AllTags()
}
