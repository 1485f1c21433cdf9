package dashboard

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/TobiSchelling/RegBrief/internal/database"
)

func intPtr(n int) *int { return &n }

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func article(id int64, title, published string, score *int) database.Article {
	return database.Article{
		ID:          id,
		Title:       title,
		Agency:      "FSC",
		Category:    "press_release",
		PublishedAt: at(published),
		CreatedAt:   at(published),
		Analysis: &database.Analysis{
			Summary:         []string{"요약"},
			RiskLevel:       "medium",
			ImportanceScore: score,
		},
	}
}

func ids(items []Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.Article.ID
	}
	return out
}

func TestWithinGroupOrder(t *testing.T) {
	// Store order is newest first: C (11:00), A (10:00), B (09:00), same KST date.
	articles := []database.Article{
		article(3, "C", "2025-01-15T02:00:00Z", intPtr(3)),
		article(1, "A", "2025-01-15T01:00:00Z", intPtr(5)),
		article(2, "B", "2025-01-15T00:00:00Z", intPtr(5)),
	}

	groups := Group(articles, Filter{}, nil)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, ids(groups[0].Items)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupLabelUsesKST(t *testing.T) {
	articles := []database.Article{
		article(1, "late UTC", "2025-01-14T15:30:00Z", nil),
		article(2, "early UTC", "2025-01-14T14:59:00Z", nil),
	}

	groups := Group(articles, Filter{}, nil)
	var labels []string
	for _, g := range groups {
		labels = append(labels, g.Label)
	}
	want := []string{"2025. 1. 15 (수)", "2025. 1. 14 (화)"}
	if diff := cmp.Diff(want, labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupsKeepFirstSeenOrder(t *testing.T) {
	articles := []database.Article{
		article(1, "a", "2025-01-16T01:00:00Z", nil),
		article(2, "b", "2025-01-15T01:00:00Z", nil),
		article(3, "c", "2025-01-16T00:30:00Z", nil),
	}
	groups := Group(articles, Filter{}, nil)
	if len(groups) != 2 || groups[0].Label != "2025. 1. 16 (목)" || len(groups[0].Items) != 2 {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

func TestSortGroupsByRecency(t *testing.T) {
	groups := []DateGroup{
		{Label: "older", Latest: at("2025-01-14T00:00:00Z")},
		{Label: "newer", Latest: at("2025-01-15T00:00:00Z")},
	}
	SortGroupsByRecency(groups)
	if groups[0].Label != "newer" {
		t.Errorf("expected newest group first, got %s", groups[0].Label)
	}
}

func TestIneligibleArticlesAreHidden(t *testing.T) {
	pending := database.Article{ID: 1, Title: "금리 pending", PublishedAt: at("2025-01-15T00:00:00Z")}
	emptySummary := database.Article{ID: 2, Title: "금리 empty", PublishedAt: at("2025-01-15T00:00:00Z"),
		Analysis: &database.Analysis{Summary: []string{" "}}}
	impactOnly := database.Article{ID: 3, Title: "impact", PublishedAt: at("2025-01-15T00:00:00Z"),
		Analysis: &database.Analysis{ImpactAnalysis: "영향 있음"}}

	articles := []database.Article{pending, emptySummary, impactOnly}
	for _, f := range []Filter{{}, {Query: "금리"}, {Risk: "low"}, {Agency: "all", Risk: "all"}} {
		for _, it := range Flat(articles, f, nil) {
			if it.Article.ID != 3 {
				t.Errorf("filter %+v showed ineligible article %d", f, it.Article.ID)
			}
		}
	}
	if got := ids(Flat(articles, Filter{}, nil)); !cmp.Equal(got, []int64{3}) {
		t.Errorf("got %v, want [3]", got)
	}
}

func TestSearchMatchesTitleOrKeyword(t *testing.T) {
	byTitle := article(1, "기준금리 동결 결정", "2025-01-15T00:00:00Z", nil)
	byKeyword := article(2, "통화정책 방향", "2025-01-15T00:00:00Z", nil)
	byKeyword.Analysis.Keywords = []string{"대출금리", "DSR"}
	neither := article(3, "보험업 감독규정", "2025-01-15T00:00:00Z", nil)

	got := ids(Flat([]database.Article{byTitle, byKeyword, neither}, Filter{Query: "금리"}, nil))
	if diff := cmp.Diff([]int64{1, 2}, got); diff != "" {
		t.Errorf("search mismatch (-want +got):\n%s", diff)
	}

	got = ids(Flat([]database.Article{byTitle, byKeyword, neither}, Filter{Query: "dsr"}, nil))
	if diff := cmp.Diff([]int64{2}, got); diff != "" {
		t.Errorf("case-insensitive keyword mismatch (-want +got):\n%s", diff)
	}
}

func TestRiskFilter(t *testing.T) {
	high := article(1, "h", "2025-01-15T03:00:00Z", nil)
	high.Analysis.RiskLevel = "High"
	missing := article(2, "m", "2025-01-15T02:00:00Z", nil)
	missing.Analysis.RiskLevel = ""
	low := article(3, "l", "2025-01-15T01:00:00Z", nil)
	low.Analysis.RiskLevel = "low"
	articles := []database.Article{high, missing, low}

	tests := []struct {
		risk string
		want []int64
	}{
		{"all", []int64{1, 2, 3}},
		{"", []int64{1, 2, 3}},
		{"high", []int64{1}},
		{"LOW", []int64{2, 3}},
		{"medium", nil},
	}
	for _, tt := range tests {
		got := ids(Flat(articles, Filter{Risk: tt.risk}, nil))
		if len(got) == 0 {
			got = nil
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("risk %q mismatch (-want +got):\n%s", tt.risk, diff)
		}
	}
}

func TestCategoryAndAgencyFilter(t *testing.T) {
	press := article(1, "p", "2025-01-15T03:00:00Z", nil)
	press.Category = ""
	notice := article(2, "n", "2025-01-15T02:00:00Z", nil)
	notice.Category = "regulation_notice"
	notice.Agency = "FSS_REG"
	bok := article(3, "b", "2025-01-15T01:00:00Z", nil)
	bok.Agency = "BOK"
	articles := []database.Article{press, notice, bok}

	if got := ids(Flat(articles, Filter{Category: "press_release"}, nil)); !cmp.Equal(got, []int64{1, 3}) {
		t.Errorf("category filter got %v", got)
	}
	if got := ids(Flat(articles, Filter{Category: "press_release", Agency: "BOK"}, nil)); !cmp.Equal(got, []int64{3}) {
		t.Errorf("category+agency filter got %v", got)
	}
	if got := ids(Flat(articles, Filter{Agency: "FSS_REG"}, nil)); !cmp.Equal(got, []int64{2}) {
		t.Errorf("agency filter got %v", got)
	}
}

func TestNewFlags(t *testing.T) {
	wm := at("2025-01-15T01:00:00Z")
	before := article(1, "before", "2025-01-15T00:00:00Z", nil)
	equal := article(2, "equal", "2025-01-15T01:00:00Z", nil)
	after := article(3, "after", "2025-01-15T02:00:00Z", nil)
	noCreated := article(4, "published only", "2025-01-15T03:00:00Z", nil)
	noCreated.CreatedAt = time.Time{}
	articles := []database.Article{noCreated, after, equal, before}

	flags := map[int64]bool{}
	for _, it := range Flat(articles, Filter{}, &wm) {
		flags[it.Article.ID] = it.IsNew
	}
	want := map[int64]bool{1: false, 2: false, 3: true, 4: true}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("new flags mismatch (-want +got):\n%s", diff)
	}

	for _, it := range Flat(articles, Filter{}, nil) {
		if it.IsNew {
			t.Errorf("article %d flagged new without a watermark", it.Article.ID)
		}
	}

	groups := Group(articles, Filter{}, &wm)
	if groups[0].NewCount != 2 {
		t.Errorf("group NewCount = %d, want 2", groups[0].NewCount)
	}
}

func TestFlatOrder(t *testing.T) {
	articles := []database.Article{
		article(1, "low score", "2025-01-15T01:00:00Z", intPtr(1)),
		article(2, "older", "2025-01-14T01:00:00Z", intPtr(5)),
		article(3, "high score", "2025-01-15T01:00:00Z", intPtr(4)),
	}
	if diff := cmp.Diff([]int64{3, 1, 2}, ids(Flat(articles, Filter{}, nil))); diff != "" {
		t.Errorf("flat order mismatch (-want +got):\n%s", diff)
	}
}

func TestStarsFallback(t *testing.T) {
	rated := article(1, "rated", "2025-01-15T01:00:00Z", intPtr(2))
	rated.StarRating = intPtr(4)
	scored := article(2, "scored", "2025-01-15T01:00:00Z", intPtr(2))
	bare := article(3, "bare", "2025-01-15T01:00:00Z", nil)

	stars := map[int64]int{}
	scores := map[int64]int{}
	for _, it := range Select([]database.Article{rated, scored, bare}, Filter{}, nil) {
		stars[it.Article.ID] = it.Stars
		scores[it.Article.ID] = it.Score
	}
	if diff := cmp.Diff(map[int64]int{1: 4, 2: 2, 3: 3}, stars); diff != "" {
		t.Errorf("stars mismatch (-want +got):\n%s", diff)
	}
	if scores[3] != 0 {
		t.Errorf("missing score should order as 0, got %d", scores[3])
	}
}

func TestAgencyCounts(t *testing.T) {
	a := article(1, "a", "2025-01-15T03:00:00Z", nil)
	b := article(2, "b", "2025-01-15T02:00:00Z", nil)
	b.Agency = "BOK"
	c := article(3, "c", "2025-01-15T01:00:00Z", nil)

	groups := Group([]database.Article{a, b, c}, Filter{}, nil)
	var got []string
	for _, ac := range groups[0].AgencyCounts {
		got = append(got, string(ac.Agency.Code)+":"+string(rune('0'+ac.Count)))
	}
	if diff := cmp.Diff([]string{"FSC:2", "BOK:1"}, got); diff != "" {
		t.Errorf("agency counts mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild(t *testing.T) {
	wm := at("2025-01-15T00:30:00Z")
	articles := []database.Article{
		article(1, "a", "2025-01-15T01:00:00Z", nil),
		article(2, "b", "2025-01-14T01:00:00Z", nil),
		{ID: 3, Title: "unanalyzed", PublishedAt: at("2025-01-15T02:00:00Z")},
	}

	v := Build(articles, Filter{}, &wm, ModeTimeline)
	if v.Total != 3 || v.Shown != 2 || v.NewCount != 1 || len(v.Groups) != 2 || v.Items != nil {
		t.Errorf("timeline view = %+v", v)
	}

	v = Build(articles, Filter{}, &wm, ParseMode("LIST"))
	if v.Mode != ModeList || len(v.Items) != 2 || v.Groups != nil {
		t.Errorf("list view = %+v", v)
	}
	if ParseMode("bogus") != ModeTimeline {
		t.Error("unknown mode should default to timeline")
	}
}

func TestRiskOrderWithinGroup(t *testing.T) {
	withRisk := func(id int64, agency, risk, published string) database.Article {
		a := article(id, "t", published, intPtr(5))
		a.Agency = agency
		a.Analysis.RiskLevel = risk
		return a
	}
	articles := []database.Article{
		withRisk(1, "BOK", "HIGH", "2025-01-15T05:00:00Z"),
		withRisk(2, "FSC", "low", "2025-01-15T04:00:00Z"),
		withRisk(3, "FSS", "high", "2025-01-15T03:00:00Z"),
		withRisk(4, "MOEF", "medium", "2025-01-15T02:00:00Z"),
		withRisk(5, "FSS_REG", "medium", "2025-01-15T01:00:00Z"),
		withRisk(6, "FSS", "", "2025-01-15T00:00:00Z"),
	}

	groups := Group(articles, Filter{Sort: OrderRisk}, nil)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if diff := cmp.Diff([]int64{3, 1, 4, 5, 6, 2}, ids(groups[0].Items)); diff != "" {
		t.Errorf("risk order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{3, 1, 4, 5, 6, 2}, ids(Flat(articles, Filter{Sort: OrderRisk}, nil))); diff != "" {
		t.Errorf("flat risk order mismatch (-want +got):\n%s", diff)
	}
}

func TestParseOrder(t *testing.T) {
	if ParseOrder(" Risk ") != OrderRisk || ParseOrder("") != OrderImportance || ParseOrder("x") != OrderImportance {
		t.Error("ParseOrder mismatch")
	}
}

func TestGroupKeyIsKSTDay(t *testing.T) {
	// 15:30 UTC on the 14th is the 15th in KST.
	groups := Group([]database.Article{article(1, "A", "2025-01-14T15:30:00Z", nil)}, Filter{}, nil)
	if len(groups) != 1 || groups[0].Key != "2025-01-15" {
		t.Errorf("groups = %+v", groups)
	}
}
