package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC)

func insert(t *testing.T, db *DB, link, agency string, hoursAfter int, analysis map[string]any) int64 {
	t.Helper()
	id, err := db.InsertArticle(context.Background(), NewArticle{
		Title:       "Article " + link,
		Link:        "https://example.com/" + link,
		Agency:      agency,
		Category:    "press_release",
		PublishedAt: base.Add(time.Duration(hoursAfter) * time.Hour),
		Analysis:    analysis,
	})
	if err != nil {
		t.Fatalf("InsertArticle(%s): %v", link, err)
	}
	return id
}

func TestInsertArticle(t *testing.T) {
	db := openTestDB(t)
	id := insert(t, db, "a", "FSC", 0, nil)
	if id == 0 {
		t.Error("expected non-zero article ID")
	}
}

func TestInsertDuplicateArticle(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "dup", "FSC", 0, nil)
	id := insert(t, db, "dup", "FSS", 1, nil)
	if id != 0 {
		t.Error("expected 0 for duplicate article")
	}
}

func TestListArticlesNewestFirst(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "old", "FSC", 1, nil)
	insert(t, db, "new", "FSS", 5, nil)
	insert(t, db, "mid", "BOK", 3, nil)

	articles, err := db.ListArticles(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("ListArticles: %v", err)
	}
	if len(articles) != 3 {
		t.Fatalf("expected 3 articles, got %d", len(articles))
	}
	want := []string{"https://example.com/new", "https://example.com/mid", "https://example.com/old"}
	for i, a := range articles {
		if a.Link != want[i] {
			t.Errorf("position %d: got %s, want %s", i, a.Link, want[i])
		}
	}
	if !articles[0].PublishedAt.Equal(base.Add(5 * time.Hour)) {
		t.Errorf("PublishedAt = %v", articles[0].PublishedAt)
	}
	if articles[0].CreatedAt.IsZero() {
		t.Error("expected created_at default to be set")
	}
}

func TestListArticlesLimitAndFilters(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "a", "FSC", 1, nil)
	insert(t, db, "b", "FSS", 2, nil)
	insert(t, db, "c", "FSC", 3, nil)
	_, err := db.InsertArticle(context.Background(), NewArticle{
		Title: "notice", Link: "https://example.com/n", Agency: "FSC_REG",
		Category: "regulation_notice", PublishedAt: base.Add(4 * time.Hour),
	})
	if err != nil {
		t.Fatalf("insert notice: %v", err)
	}

	ctx := context.Background()
	limited, err := db.ListArticles(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListArticles: %v", err)
	}
	if len(limited) != 2 || limited[0].Title != "notice" {
		t.Errorf("unexpected limited result: %d rows", len(limited))
	}

	fsc, err := db.ListArticles(ctx, ListOptions{Agency: "FSC"})
	if err != nil {
		t.Fatalf("ListArticles agency: %v", err)
	}
	if len(fsc) != 2 {
		t.Errorf("expected 2 FSC articles, got %d", len(fsc))
	}

	notices, err := db.ListArticles(ctx, ListOptions{Category: "regulation_notice"})
	if err != nil {
		t.Fatalf("ListArticles category: %v", err)
	}
	if len(notices) != 1 || notices[0].Agency != "FSC_REG" {
		t.Errorf("unexpected category result: %+v", notices)
	}
}

func TestGetArticle(t *testing.T) {
	db := openTestDB(t)
	id := insert(t, db, "a", "FSC", 0, map[string]any{
		"summary":          []string{"one", "two"},
		"importance_score": 4,
		"risk_level":       "High",
	})

	a, err := db.GetArticle(context.Background(), id)
	if err != nil {
		t.Fatalf("GetArticle: %v", err)
	}
	if a == nil {
		t.Fatal("expected article")
	}
	if a.Analysis == nil || len(a.Analysis.Summary) != 2 {
		t.Fatalf("expected decoded analysis, got %+v", a.Analysis)
	}
	if a.Analysis.ImportanceScore == nil || *a.Analysis.ImportanceScore != 4 {
		t.Errorf("ImportanceScore = %v", a.Analysis.ImportanceScore)
	}

	missing, err := db.GetArticle(context.Background(), 9999)
	if err != nil {
		t.Fatalf("GetArticle missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing article")
	}
}

func TestMergeAnalysisPreservesOtherKeys(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := insert(t, db, "a", "FSC", 0, map[string]any{
		"summary":         []string{"keep me"},
		"impact_analysis": "important",
		"custom_field":    "untouched",
	})

	err := db.MergeAnalysis(ctx, id, map[string]any{
		"detailed_report":     "# Report",
		"report_generated_at": "2025-01-15T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("MergeAnalysis: %v", err)
	}

	a, err := db.GetArticle(ctx, id)
	if err != nil || a == nil {
		t.Fatalf("GetArticle: %v", err)
	}
	if a.Analysis.DetailedReport != "# Report" {
		t.Errorf("DetailedReport = %q", a.Analysis.DetailedReport)
	}
	if len(a.Analysis.Summary) != 1 || a.Analysis.ImpactAnalysis != "important" {
		t.Errorf("existing fields lost: %+v", a.Analysis)
	}

	var custom string
	if err := db.conn.QueryRow(
		"SELECT json_extract(analysis_result, '$.custom_field') FROM articles WHERE id = ?", id,
	).Scan(&custom); err != nil {
		t.Fatalf("reading custom field: %v", err)
	}
	if custom != "untouched" {
		t.Errorf("custom_field = %q", custom)
	}

	// Second merge overwrites only the patched key.
	if err := db.MergeAnalysis(ctx, id, map[string]any{"detailed_report": "# v2"}); err != nil {
		t.Fatalf("second MergeAnalysis: %v", err)
	}
	a, _ = db.GetArticle(ctx, id)
	if a.Analysis.DetailedReport != "# v2" || a.Analysis.ReportGeneratedAt != "2025-01-15T00:00:00Z" {
		t.Errorf("unexpected analysis after second merge: %+v", a.Analysis)
	}
}

func TestMergeAnalysisWithoutExistingAnalysis(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := insert(t, db, "a", "FSC", 0, nil)

	if err := db.MergeAnalysis(ctx, id, map[string]any{"detailed_report": "text"}); err != nil {
		t.Fatalf("MergeAnalysis: %v", err)
	}
	a, _ := db.GetArticle(ctx, id)
	if !a.HasReport() {
		t.Error("expected report after merge into empty analysis")
	}
}

func TestMergeAnalysisErrors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.MergeAnalysis(ctx, 42, map[string]any{"detailed_report": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.MergeAnalysis(ctx, 1, nil); err == nil {
		t.Error("expected error for empty patch")
	}
	if err := db.MergeAnalysis(ctx, 1, map[string]any{`bad"key`: 1}); err == nil {
		t.Error("expected error for unaddressable key")
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insert(t, db, "a", "FSC", 0, map[string]any{"summary": []string{"x"}})
	id := insert(t, db, "b", "FSC", 1, map[string]any{"summary": []string{"y"}})
	insert(t, db, "c", "BOK", 2, nil)
	if err := db.MergeAnalysis(ctx, id, map[string]any{"detailed_report": "r"}); err != nil {
		t.Fatalf("MergeAnalysis: %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalArticles != 3 {
		t.Errorf("TotalArticles = %d", stats.TotalArticles)
	}
	if stats.AnalyzedArticles != 2 {
		t.Errorf("AnalyzedArticles = %d", stats.AnalyzedArticles)
	}
	if stats.WithReports != 1 {
		t.Errorf("WithReports = %d", stats.WithReports)
	}
	if stats.ByAgency["FSC"] != 2 || stats.ByAgency["BOK"] != 1 {
		t.Errorf("ByAgency = %v", stats.ByAgency)
	}
}

func TestSubscribeInsertsFiresAndStops(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insert(t, db, "existing", "FSC", 0, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fired := make(chan struct{}, 10)
	sub, err := db.SubscribeInserts(ctx, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("SubscribeInserts: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("existing rows must not trigger a notification")
	case <-time.After(100 * time.Millisecond):
	}

	insert(t, db, "fresh", "FSS", 1, nil)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification after insert")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	insert(t, db, "after", "BOK", 2, nil)
	select {
	case <-fired:
		t.Fatal("no notification expected after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeInsertsStopsWithContext(t *testing.T) {
	db := openTestDB(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := db.SubscribeInserts(ctx, func() {})
	if err != nil {
		t.Fatalf("SubscribeInserts: %v", err)
	}
	cancel()
	sub.Unsubscribe()
}

func TestDecodeAnalysisTolerance(t *testing.T) {
	a := decodeAnalysis([]byte(`{"summary":"single line","importance_score":"4.6","keywords":null,"risk_level":3}`))
	if a == nil {
		t.Fatal("expected analysis")
	}
	if len(a.Summary) != 1 || a.Summary[0] != "single line" {
		t.Errorf("Summary = %v", a.Summary)
	}
	if a.ImportanceScore == nil || *a.ImportanceScore != 5 {
		t.Errorf("ImportanceScore = %v", a.ImportanceScore)
	}
	if a.RiskLevel != "" {
		t.Errorf("non-string risk level should be dropped, got %q", a.RiskLevel)
	}

	if decodeAnalysis(nil) != nil || decodeAnalysis([]byte("null")) != nil || decodeAnalysis([]byte("{broken")) != nil {
		t.Error("expected nil for absent or malformed analysis")
	}
}

func TestUnparseablePublishedAtFallsBackToCreatedAt(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	id, err := db.InsertArticle(ctx, NewArticle{
		Title:       "날짜 오류",
		Link:        "https://example.com/bad-date",
		Agency:      "FSC",
		PublishedAt: base,
		CreatedAt:   base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("InsertArticle: %v", err)
	}
	if _, err := db.conn.Exec("UPDATE articles SET published_at = '어제 오후' WHERE id = ?", id); err != nil {
		t.Fatalf("corrupting published_at: %v", err)
	}

	a, err := db.GetArticle(ctx, id)
	if err != nil {
		t.Fatalf("GetArticle: %v", err)
	}
	if want := base.Add(time.Hour); !a.PublishedAt.Equal(want) {
		t.Errorf("PublishedAt = %v, want created_at %v", a.PublishedAt, want)
	}
	if n := logs.FilterMessage("unparseable published_at, using created_at").Len(); n != 1 {
		t.Errorf("expected one debug log for the bad date, got %d", n)
	}
}
