package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const insertChannel = "articles_inserted"

// PG is the managed Postgres backend.
type PG struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*PG)(nil)

// OpenPostgres connects to databaseURL and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string, opts ...Option) (*PG, error) {
	o := applyOptions(opts)
	if databaseURL == "" {
		return nil, errors.New("postgres store selected but no database URL is configured")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConns = 20

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := applyPGMigrations(ctx, pool, o.logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &PG{pool: pool, logger: o.logger}, nil
}

func (p *PG) Close() error {
	p.pool.Close()
	return nil
}

func (p *PG) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PG) InsertArticle(ctx context.Context, a NewArticle) (int64, error) {
	var analysis []byte
	if a.Analysis != nil {
		raw, err := json.Marshal(a.Analysis)
		if err != nil {
			return 0, fmt.Errorf("encoding analysis: %w", err)
		}
		analysis = raw
	}

	columns := []string{"title", "link", "agency", "category", "content", "published_at", "analysis_result"}
	values := []any{a.Title, a.Link, a.Agency, nullable(a.Category), nullable(a.Content), a.PublishedAt.UTC(), analysis}
	if !a.CreatedAt.IsZero() {
		columns = append(columns, "created_at")
		values = append(values, a.CreatedAt.UTC())
	}
	query, args, err := sq.Insert("articles").
		Columns(columns...).
		Values(values...).
		Suffix("ON CONFLICT (link) DO NOTHING RETURNING id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, err
	}

	var id int64
	err = p.pool.QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inserting article: %w", err)
	}
	return id, nil
}

func (p *PG) ListArticles(ctx context.Context, opts ListOptions) ([]Article, error) {
	query, args, err := listQuery(sq.Dollar, opts).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing articles: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanPGArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

func (p *PG) GetArticle(ctx context.Context, id int64) (*Article, error) {
	query, args, err := getQuery(sq.Dollar, id).ToSql()
	if err != nil {
		return nil, err
	}
	a, err := scanPGArticle(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// MergeAnalysis uses jsonb concatenation, which replaces top-level keys and
// keeps the rest.
func (p *PG) MergeAnalysis(ctx context.Context, id int64, patch map[string]any) error {
	if err := validatePatch(patch); err != nil {
		return err
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}

	query, args, err := sq.Update("articles").
		Set("analysis_result", sq.Expr("COALESCE(analysis_result, '{}'::jsonb) || ?::jsonb", string(raw))).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("merging analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PG) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{ByAgency: map[string]int{}}
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE analysis_result IS NOT NULL),
		       COUNT(*) FILTER (WHERE COALESCE(analysis_result->>'detailed_report', '') <> '')
		FROM articles`,
	).Scan(&s.TotalArticles, &s.AnalyzedArticles, &s.WithReports)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	rows, err := p.pool.Query(ctx, `SELECT agency, COUNT(*) FROM articles GROUP BY agency`)
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

// SubscribeInserts holds one pooled connection in LISTEN mode for the
// lifetime of the subscription.
func (p *PG) SubscribeInserts(ctx context.Context, fn func()) (Subscription, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+insertChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer func() {
			if !conn.Conn().IsClosed() {
				unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, _ = conn.Exec(unlistenCtx, "UNLISTEN "+insertChannel)
				cancel()
			}
			conn.Release()
		}()

		for {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("insert notifications stopped", zap.Error(err))
				}
				return
			}
			fn()
		}
	}()

	return sub, nil
}

func scanPGArticle(row pgx.Row) (*Article, error) {
	var a Article
	var category, content *string
	var stars *int32
	var analysis []byte
	if err := row.Scan(&a.ID, &a.Title, &a.Link, &a.Agency, &category, &content,
		&a.PublishedAt, &a.CreatedAt, &stars, &analysis); err != nil {
		return nil, err
	}
	if category != nil {
		a.Category = *category
	}
	if content != nil {
		a.Content = *content
	}
	if stars != nil {
		n := int(*stars)
		a.StarRating = &n
	}
	a.PublishedAt = a.PublishedAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.Analysis = decodeAnalysis(analysis)
	return &a, nil
}
