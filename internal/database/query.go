package database

import (
	"sort"

	sq "github.com/Masterminds/squirrel"
)

var articleColumns = []string{
	"id", "title", "link", "agency", "category", "content",
	"published_at", "created_at", "star_rating", "analysis_result",
}

// listQuery builds the newest-first article list shared by both backends.
func listQuery(format sq.PlaceholderFormat, opts ListOptions) sq.SelectBuilder {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := sq.Select(articleColumns...).
		From("articles").
		OrderBy("published_at DESC", "id DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(format)
	if opts.Agency != "" {
		q = q.Where(sq.Eq{"agency": opts.Agency})
	}
	if opts.Category != "" {
		q = q.Where(sq.Eq{"category": opts.Category})
	}
	return q
}

func getQuery(format sq.PlaceholderFormat, id int64) sq.SelectBuilder {
	return sq.Select(articleColumns...).
		From("articles").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(format)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
