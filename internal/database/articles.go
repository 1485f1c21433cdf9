package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/TobiSchelling/RegBrief/internal/kst"
)

// InsertArticle inserts an article. Returns the ID on success, 0 if the
// link is already stored.
func (db *DB) InsertArticle(ctx context.Context, a NewArticle) (int64, error) {
	var analysis *string
	if a.Analysis != nil {
		raw, err := json.Marshal(a.Analysis)
		if err != nil {
			return 0, fmt.Errorf("encoding analysis: %w", err)
		}
		s := string(raw)
		analysis = &s
	}

	columns := []string{"title", "link", "agency", "category", "content", "published_at", "analysis_result"}
	values := []any{a.Title, a.Link, a.Agency, nullable(a.Category), nullable(a.Content),
		formatTimestamp(a.PublishedAt), analysis}
	if !a.CreatedAt.IsZero() {
		columns = append(columns, "created_at")
		values = append(values, formatTimestamp(a.CreatedAt))
	}
	insert := sq.Insert("articles").
		Columns(columns...).
		Values(values...).
		Suffix("ON CONFLICT(link) DO NOTHING")

	query, args, err := insert.ToSql()
	if err != nil {
		return 0, err
	}
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("inserting article: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

// ListArticles returns the newest articles first.
func (db *DB) ListArticles(ctx context.Context, opts ListOptions) ([]Article, error) {
	query, args, err := listQuery(sq.Question, opts).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing articles: %w", err)
	}
	defer rows.Close()
	return db.scanArticles(rows)
}

// GetArticle returns a single article by ID.
func (db *DB) GetArticle(ctx context.Context, id int64) (*Article, error) {
	query, args, err := getQuery(sq.Question, id).ToSql()
	if err != nil {
		return nil, err
	}
	a, err := db.scanArticle(db.conn.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// MergeAnalysis replaces the patch keys inside analysis_result in a single
// statement, leaving all other keys untouched.
func (db *DB) MergeAnalysis(ctx context.Context, id int64, patch map[string]any) error {
	if err := validatePatch(patch); err != nil {
		return err
	}

	expr := "COALESCE(analysis_result, '{}')"
	var args []any
	for _, k := range sortedKeys(patch) {
		raw, err := json.Marshal(patch[k])
		if err != nil {
			return fmt.Errorf("encoding %s: %w", k, err)
		}
		expr = fmt.Sprintf("json_set(%s, ?, json(?))", expr)
		args = append(args, `$."`+k+`"`, string(raw))
	}

	query, qargs, err := sq.Update("articles").
		Set("analysis_result", sq.Expr(expr, args...)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	result, err := db.conn.ExecContext(ctx, query, qargs...)
	if err != nil {
		return fmt.Errorf("merging analysis: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats returns aggregate counts.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{ByAgency: map[string]int{}}
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM articles", &s.TotalArticles},
		{"SELECT COUNT(*) FROM articles WHERE analysis_result IS NOT NULL", &s.AnalyzedArticles},
		{`SELECT COUNT(*) FROM articles
			WHERE COALESCE(json_extract(analysis_result, '$.detailed_report'), '') != ''`, &s.WithReports},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("reading stats: %w", err)
		}
	}

	rows, err := db.conn.QueryContext(ctx, "SELECT agency, COUNT(*) FROM articles GROUP BY agency")
	if err != nil {
		return nil, fmt.Errorf("reading agency stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agency string
		var n int
		if err := rows.Scan(&agency, &n); err != nil {
			return nil, err
		}
		s.ByAgency[agency] = n
	}
	return s, rows.Err()
}

func (db *DB) maxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, "SELECT MAX(id) FROM articles").Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanArticles(rows *sql.Rows) ([]Article, error) {
	var articles []Article
	for rows.Next() {
		a, err := db.scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// scanArticle reads one row. An unparseable published_at falls back to
// created_at so the article still lands in a date group.
func (db *DB) scanArticle(row rowScanner) (*Article, error) {
	var a Article
	var category, content, analysis sql.NullString
	var published, created string
	var stars sql.NullInt64
	if err := row.Scan(&a.ID, &a.Title, &a.Link, &a.Agency, &category, &content,
		&published, &created, &stars, &analysis); err != nil {
		return nil, err
	}
	a.Category = category.String
	a.Content = content.String
	if stars.Valid {
		n := int(stars.Int64)
		a.StarRating = &n
	}
	var err error
	if a.CreatedAt, err = kst.Parse(created); err != nil {
		db.logger.Debug("unparseable created_at", zap.Int64("id", a.ID), zap.String("value", created), zap.Error(err))
	}
	if a.PublishedAt, err = kst.Parse(published); err != nil {
		db.logger.Debug("unparseable published_at, using created_at",
			zap.Int64("id", a.ID), zap.String("value", published), zap.Error(err))
		a.PublishedAt = a.CreatedAt
	}
	if analysis.Valid {
		a.Analysis = decodeAnalysis([]byte(analysis.String))
	}
	return &a, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
