// Package dashboard turns the article list into what the dashboard shows:
// eligible, filtered articles with new flags, grouped by KST date or laid
// out as one flat list. Everything here is a pure function of its inputs
// and is recomputed whenever an input changes.
package dashboard

import (
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/RegBrief/internal/catalog"
	"github.com/TobiSchelling/RegBrief/internal/database"
	"github.com/TobiSchelling/RegBrief/internal/kst"
	"github.com/TobiSchelling/RegBrief/internal/watermark"
)

type Mode string

const (
	ModeTimeline Mode = "timeline"
	ModeList     Mode = "list"
)

// ParseMode defaults anything unrecognized to the timeline view.
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeList {
		return ModeList
	}
	return ModeTimeline
}

// Order picks how items are sorted within a date group and in the flat
// list.
type Order string

const (
	// OrderImportance sorts by importance score, then recency.
	OrderImportance Order = "importance"
	// OrderRisk sorts by risk level, then agency priority, then recency.
	OrderRisk Order = "risk"
)

// ParseOrder defaults anything unrecognized to importance.
func ParseOrder(s string) Order {
	if Order(strings.ToLower(strings.TrimSpace(s))) == OrderRisk {
		return OrderRisk
	}
	return OrderImportance
}

// Filter holds the viewer's selections. Empty or "all" disables a field.
// Sort only orders the result and never narrows it.
type Filter struct {
	Agency   string
	Risk     string
	Category string
	Query    string
	Sort     Order
}

// Eligible reports whether the analysis process has annotated the article
// far enough for it to be shown.
func Eligible(a *database.Article) bool {
	if a.Analysis == nil {
		return false
	}
	for _, s := range a.Analysis.Summary {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return strings.TrimSpace(a.Analysis.ImpactAnalysis) != ""
}

// Match applies the category, agency, risk and search filters in that order.
func (f Filter) Match(a *database.Article) bool {
	if !catalog.IsAll(f.Category) && string(catalog.NormalizeCategory(a.Category)) != strings.TrimSpace(f.Category) {
		return false
	}
	if !catalog.IsAll(f.Agency) && a.Agency != strings.TrimSpace(f.Agency) {
		return false
	}
	if !catalog.IsAll(f.Risk) && !strings.EqualFold(riskOf(a), strings.TrimSpace(f.Risk)) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return matchesQuery(a, q)
	}
	return true
}

// Active reports whether any field narrows the list.
func (f Filter) Active() bool {
	return !catalog.IsAll(f.Agency) || !catalog.IsAll(f.Risk) || !catalog.IsAll(f.Category) ||
		strings.TrimSpace(f.Query) != ""
}

func riskOf(a *database.Article) string {
	if a.Analysis == nil || strings.TrimSpace(a.Analysis.RiskLevel) == "" {
		return string(catalog.RiskLow)
	}
	return strings.TrimSpace(a.Analysis.RiskLevel)
}

func matchesQuery(a *database.Article, q string) bool {
	if strings.Contains(strings.ToLower(a.Title), q) {
		return true
	}
	if a.Analysis == nil {
		return false
	}
	for _, k := range a.Analysis.Keywords {
		if strings.Contains(strings.ToLower(k), q) {
			return true
		}
	}
	return false
}

// Item is one displayable article.
type Item struct {
	Article  database.Article
	Agency   catalog.AgencyInfo
	Category catalog.Category
	Risk     catalog.Risk
	// Score orders items; a missing importance score counts as 0.
	Score int
	// Stars is the card rating: star_rating, else importance_score, else 3.
	Stars     int
	IsNew     bool
	HasReport bool
	DateLabel string
	Clock     string
}

func newItem(a database.Article, wm *time.Time) Item {
	it := Item{
		Article:   a,
		Agency:    catalog.LookupAgency(a.Agency),
		Category:  catalog.NormalizeCategory(a.Category),
		Risk:      catalog.ParseRisk(riskOf(&a)),
		Stars:     3,
		IsNew:     watermark.IsNew(seenAt(a), wm),
		HasReport: a.HasReport(),
		DateLabel: kst.DateLabel(a.PublishedAt),
		Clock:     kst.ClockLabel(a.PublishedAt),
	}
	if a.Analysis != nil && a.Analysis.ImportanceScore != nil {
		it.Score = *a.Analysis.ImportanceScore
		it.Stars = it.Score
	}
	if a.StarRating != nil {
		it.Stars = *a.StarRating
	}
	it.Stars = min(max(it.Stars, 0), 5)
	return it
}

// seenAt is the instant compared with the watermark. Rows without a
// creation time fall back to their publication time.
func seenAt(a database.Article) time.Time {
	if a.CreatedAt.IsZero() {
		return a.PublishedAt
	}
	return a.CreatedAt
}

// Select runs eligibility, filters and new-flag annotation, keeping the
// source order.
func Select(articles []database.Article, f Filter, wm *time.Time) []Item {
	var out []Item
	for i := range articles {
		a := &articles[i]
		if !Eligible(a) || !f.Match(a) {
			continue
		}
		out = append(out, newItem(*a, wm))
	}
	return out
}

// AgencyCount is the number of items one agency contributed to a group.
type AgencyCount struct {
	Agency catalog.AgencyInfo
	Count  int
}

// DateGroup is every displayed article published on one KST date.
type DateGroup struct {
	Label string
	// Key is the date as 2006-01-02, used for anchors.
	Key          string
	Items        []Item
	NewCount     int
	AgencyCounts []AgencyCount
	Latest       time.Time
}

// Group buckets the selected items by KST date label. Groups appear in the
// order their first member appears in articles, which the store returns
// newest first. Within a group items sort by score, then publication time,
// both descending.
func Group(articles []database.Article, f Filter, wm *time.Time) []DateGroup {
	return groupItems(Select(articles, f, wm), f.Sort)
}

// less reports whether x sorts before y inside a date group.
func less(order Order, x, y Item) bool {
	if order == OrderRisk {
		if rx, ry := x.Risk.Rank(), y.Risk.Rank(); rx != ry {
			return rx > ry
		}
		if px, py := x.Agency.Priority(), y.Agency.Priority(); px != py {
			return px < py
		}
		return x.Article.PublishedAt.After(y.Article.PublishedAt)
	}
	if x.Score != y.Score {
		return x.Score > y.Score
	}
	return x.Article.PublishedAt.After(y.Article.PublishedAt)
}

func groupItems(items []Item, order Order) []DateGroup {
	var groups []DateGroup
	index := make(map[string]int)
	for _, it := range items {
		i, ok := index[it.DateLabel]
		if !ok {
			i = len(groups)
			index[it.DateLabel] = i
			groups = append(groups, DateGroup{Label: it.DateLabel, Key: kst.DayKey(it.Article.PublishedAt)})
		}
		groups[i].Items = append(groups[i].Items, it)
	}

	for i := range groups {
		g := &groups[i]
		sort.SliceStable(g.Items, func(a, b int) bool {
			return less(order, g.Items[a], g.Items[b])
		})

		counts := make(map[catalog.Agency]int)
		var order []catalog.AgencyInfo
		for _, it := range g.Items {
			if it.IsNew {
				g.NewCount++
			}
			if it.Article.PublishedAt.After(g.Latest) {
				g.Latest = it.Article.PublishedAt
			}
			if _, seen := counts[it.Agency.Code]; !seen {
				order = append(order, it.Agency)
			}
			counts[it.Agency.Code]++
		}
		for _, a := range order {
			g.AgencyCounts = append(g.AgencyCounts, AgencyCount{Agency: a, Count: counts[a.Code]})
		}
	}
	return groups
}

// SortGroupsByRecency orders groups by their latest member, newest first.
func SortGroupsByRecency(groups []DateGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Latest.After(groups[j].Latest)
	})
}

// Flat lists the selected items newest first, higher score first on ties.
// With OrderRisk the list is sorted by risk, then agency priority, then
// recency.
func Flat(articles []database.Article, f Filter, wm *time.Time) []Item {
	return flatItems(Select(articles, f, wm), f.Sort)
}

func flatItems(items []Item, order Order) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if order == OrderRisk {
			return less(order, x, y)
		}
		if !x.Article.PublishedAt.Equal(y.Article.PublishedAt) {
			return x.Article.PublishedAt.After(y.Article.PublishedAt)
		}
		return x.Score > y.Score
	})
	return out
}

// View is everything the dashboard template renders.
type View struct {
	Filter   Filter
	Mode     Mode
	Groups   []DateGroup
	Items    []Item
	Total    int
	Shown    int
	NewCount int
}

// Build computes the full view for one render.
func Build(articles []database.Article, f Filter, wm *time.Time, mode Mode) View {
	items := Select(articles, f, wm)
	v := View{Filter: f, Mode: mode, Total: len(articles), Shown: len(items)}
	seen := make([]time.Time, len(items))
	for i, it := range items {
		seen[i] = seenAt(it.Article)
	}
	v.NewCount = watermark.CountNew(seen, wm)
	if mode == ModeList {
		v.Items = flatItems(items, f.Sort)
	} else {
		v.Groups = groupItems(items, f.Sort)
		SortGroupsByRecency(v.Groups)
	}
	return v
}
