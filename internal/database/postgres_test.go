package database

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func openTestPG(t *testing.T) *PG {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("REGBRIEF_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("REGBRIEF_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	if _, err := pg.pool.Exec(ctx, "TRUNCATE articles RESTART IDENTITY"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	return pg
}

func TestPostgresMergeAndList(t *testing.T) {
	pg := openTestPG(t)
	ctx := context.Background()

	id, err := pg.InsertArticle(ctx, NewArticle{
		Title: "금리 인하", Link: "https://example.com/pg-1", Agency: "BOK",
		PublishedAt: base, Analysis: map[string]any{"summary": []string{"a"}, "extra": 1},
	})
	if err != nil || id == 0 {
		t.Fatalf("InsertArticle: id=%d err=%v", id, err)
	}
	dup, err := pg.InsertArticle(ctx, NewArticle{Title: "x", Link: "https://example.com/pg-1", Agency: "BOK", PublishedAt: base})
	if err != nil || dup != 0 {
		t.Fatalf("duplicate insert: id=%d err=%v", dup, err)
	}

	if err := pg.MergeAnalysis(ctx, id, map[string]any{"detailed_report": "r"}); err != nil {
		t.Fatalf("MergeAnalysis: %v", err)
	}
	a, err := pg.GetArticle(ctx, id)
	if err != nil || a == nil {
		t.Fatalf("GetArticle: %v", err)
	}
	if !a.HasReport() || len(a.Analysis.Summary) != 1 {
		t.Errorf("unexpected analysis: %+v", a.Analysis)
	}

	list, err := pg.ListArticles(ctx, ListOptions{Agency: "BOK", Limit: 10})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListArticles: n=%d err=%v", len(list), err)
	}
}

func TestPostgresSubscribeInserts(t *testing.T) {
	pg := openTestPG(t)
	ctx := context.Background()

	fired := make(chan struct{}, 1)
	sub, err := pg.SubscribeInserts(ctx, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("SubscribeInserts: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := pg.InsertArticle(ctx, NewArticle{
		Title: "t", Link: "https://example.com/pg-live", Agency: "FSC", PublishedAt: base,
	}); err != nil {
		t.Fatalf("InsertArticle: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("expected insert notification")
	}
}
