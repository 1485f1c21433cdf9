package database

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by writes that matched no article.
var ErrNotFound = errors.New("article not found")

// DefaultListLimit bounds a list query when the caller does not.
const DefaultListLimit = 1000

// Article is one collected regulatory item. Analysis is nil until the
// external analysis process has annotated it.
type Article struct {
	ID          int64
	Title       string
	Link        string
	Agency      string
	Category    string
	Content     string
	PublishedAt time.Time
	CreatedAt   time.Time
	StarRating  *int
	Analysis    *Analysis
}

// Analysis is the analysis_result document. Every field may be absent.
type Analysis struct {
	Summary           []string `json:"summary,omitempty"`
	ImpactAnalysis    string   `json:"impact_analysis,omitempty"`
	RiskLevel         string   `json:"risk_level,omitempty"`
	ImportanceScore   *int     `json:"importance_score,omitempty"`
	Keywords          []string `json:"keywords,omitempty"`
	RiskTags          []string `json:"risk_tags,omitempty"`
	DetailedReport    string   `json:"detailed_report,omitempty"`
	ReportGeneratedAt string   `json:"report_generated_at,omitempty"`
}

// HasReport reports whether a detailed report has been persisted.
func (a *Article) HasReport() bool {
	return a.Analysis != nil && strings.TrimSpace(a.Analysis.DetailedReport) != ""
}

// NewArticle is the input for InsertArticle.
type NewArticle struct {
	Title       string
	Link        string
	Agency      string
	Category    string
	Content     string
	PublishedAt time.Time
	CreatedAt   time.Time
	Analysis    map[string]any
}

// ListOptions narrows a list query. Empty filters match everything.
type ListOptions struct {
	Limit    int
	Agency   string
	Category string
}

// Stats contains aggregate store statistics.
type Stats struct {
	TotalArticles    int
	AnalyzedArticles int
	WithReports      int
	ByAgency         map[string]int
}

// Subscription is a live insert feed. Unsubscribe stops delivery and
// releases the underlying resources; it is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Store is the article persistence contract shared by the SQLite and
// Postgres backends.
type Store interface {
	ListArticles(ctx context.Context, opts ListOptions) ([]Article, error)
	// GetArticle returns (nil, nil) when no article has the id.
	GetArticle(ctx context.Context, id int64) (*Article, error)
	// MergeAnalysis sets the patch keys on analysis_result, keeping every
	// other key. Returns ErrNotFound if no article has the id.
	MergeAnalysis(ctx context.Context, id int64, patch map[string]any) error
	// InsertArticle returns 0 when the link already exists.
	InsertArticle(ctx context.Context, a NewArticle) (int64, error)
	// SubscribeInserts calls fn after new articles are committed.
	SubscribeInserts(ctx context.Context, fn func()) (Subscription, error)
	GetStats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// decodeAnalysis parses a stored analysis_result. Malformed documents are
// treated as absent; individual malformed fields are dropped.
func decodeAnalysis(raw []byte) *Analysis {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	a := &Analysis{
		Summary:           looseStrings(doc["summary"]),
		ImpactAnalysis:    looseString(doc["impact_analysis"]),
		RiskLevel:         looseString(doc["risk_level"]),
		ImportanceScore:   looseInt(doc["importance_score"]),
		Keywords:          looseStrings(doc["keywords"]),
		RiskTags:          looseStrings(doc["risk_tags"]),
		DetailedReport:    looseString(doc["detailed_report"]),
		ReportGeneratedAt: looseString(doc["report_generated_at"]),
	}
	return a
}

func looseString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// looseStrings accepts an array of strings or a single string.
func looseStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	if s := looseString(raw); s != "" {
		return []string{s}
	}
	return nil
}

// looseInt accepts a JSON number (rounded) or a numeric string.
func looseInt(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		s := looseString(raw)
		if s == "" {
			return nil
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
	}
	n := int(math.Round(f))
	return &n
}

// validatePatch rejects keys that cannot be addressed as a JSON path.
func validatePatch(patch map[string]any) error {
	if len(patch) == 0 {
		return errors.New("empty analysis patch")
	}
	for k := range patch {
		if k == "" || strings.ContainsAny(k, `"\.$[]`) {
			return errors.New("invalid analysis key " + strconv.Quote(k))
		}
	}
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
