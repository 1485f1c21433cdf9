package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/RegBrief/internal/catalog"
	"github.com/TobiSchelling/RegBrief/internal/dashboard"
	"github.com/TobiSchelling/RegBrief/internal/database"
	"github.com/TobiSchelling/RegBrief/internal/report"
	"github.com/TobiSchelling/RegBrief/internal/watermark"
	"github.com/TobiSchelling/RegBrief/internal/workflow"
)

const collectTriggered = "Data collection triggered successfully! It may take a few minutes to complete."

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseFilter(q url.Values) (dashboard.Filter, dashboard.Mode) {
	f := dashboard.Filter{
		Agency:   q.Get("agency"),
		Risk:     q.Get("risk"),
		Category: q.Get("category"),
		Query:    q.Get("q"),
		Sort:     dashboard.ParseOrder(q.Get("sort")),
	}
	return f, dashboard.ParseMode(q.Get("view"))
}

// mountWatermark is the watermark the page was first rendered with. Partial
// refreshes carry it as the wm parameter, so NEW badges stay put for the
// whole session even after /api/visit has moved the cookie on. An empty
// wm means the page mounted without one.
func mountWatermark(r *http.Request) *time.Time {
	q := r.URL.Query()
	if q.Has("wm") {
		return watermark.Decode(q.Get("wm"))
	}
	return watermark.NewTracker(&watermark.CookieStorage{Request: r}).Get()
}

// loadView lists articles and runs the dashboard pipeline. A store failure
// is returned alongside an empty view so the page can show it inline.
func (s *Server) loadView(r *http.Request) (dashboard.View, *time.Time, error) {
	f, mode := parseFilter(r.URL.Query())
	wm := mountWatermark(r)

	articles, err := s.store.ListArticles(r.Context(), database.ListOptions{Limit: s.listLimit})
	if err != nil {
		s.logger.Error("listing articles", zap.Error(err))
		return dashboard.Build(nil, f, wm, mode), wm, err
	}
	return dashboard.Build(articles, f, wm, mode), wm, nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	view, wm, err := s.loadView(r)
	mark := ""
	if wm != nil {
		mark = watermark.Encode(*wm)
	}
	data := map[string]any{
		"View":       view,
		"Watermark":  mark,
		"Agencies":   catalog.FilterAgencies(),
		"Risks":      catalog.Risks(),
		"Categories": catalog.Categories(),
		"TouchDelay": s.touchDelay,
		"Query":      r.URL.RawQuery,
	}
	if err != nil {
		data["Error"] = "기사 목록을 불러오지 못했습니다. 잠시 후 다시 시도해 주세요."
	}

	if isPartial(r) {
		s.renderFragment(w, "dashboard.html", "results", data)
		return
	}
	s.render(w, http.StatusOK, "dashboard.html", data)
}

func (s *Server) handleReportPage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	profile := r.URL.Query().Get("profile")

	data := map[string]any{"ArticleID": id, "Profiles": report.ProfileNames()}
	status := http.StatusOK

	if a, err := s.store.GetArticle(r.Context(), id); err == nil && a != nil {
		data["Article"] = a
		data["Agency"] = catalog.LookupAgency(a.Agency)
	}

	res, err := s.reports.Generate(r.Context(), report.Request{ArticleID: id, Profile: profile})
	if err != nil {
		msg, code := reportError(err)
		data["Error"] = msg
		if errors.Is(err, report.ErrArticleNotFound) {
			status = code
		}
	} else {
		data["Report"] = res.Report
		data["Cached"] = res.Cached
		data["GeneratedAt"] = res.GeneratedAt
		data["Profile"] = res.Profile
		if res.PersistErr != nil {
			data["PersistWarning"] = "보고서를 저장하지 못했습니다. 다음 요청 시 다시 생성됩니다."
		}
	}

	if isPartial(r) {
		s.renderFragment(w, "report.html", "report-body", data)
		return
	}
	s.render(w, status, "report.html", data)
}

// reportError maps an orchestrator error to a user-facing message and an
// HTTP status.
func reportError(err error) (string, int) {
	switch {
	case errors.Is(err, report.ErrNotConfigured):
		return "Server Misconfiguration: API Key missing", http.StatusInternalServerError
	case errors.Is(err, report.ErrArticleNotFound):
		return "Article not found", http.StatusNotFound
	case errors.Is(err, report.ErrUnknownProfile):
		return err.Error(), http.StatusBadRequest
	case errors.Is(err, report.ErrTimeout):
		return "Report generation timed out. Please try again.", http.StatusGatewayTimeout
	default:
		return "Failed to generate report: " + err.Error(), http.StatusInternalServerError
	}
}

type reportRequest struct {
	ArticleID json.RawMessage `json:"articleId"`
	Profile   string          `json:"profile"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Agency    string          `json:"agency"`
}

// parseArticleID accepts the id as a JSON number or a numeric string.
func parseArticleID(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleAPIReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	id, ok := parseArticleID(req.ArticleID)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Article ID required"})
		return
	}

	res, err := s.reports.Generate(r.Context(), report.Request{
		ArticleID: id,
		Profile:   req.Profile,
		Agency:    req.Agency,
		Title:     req.Title,
		Content:   req.Content,
	})
	if err != nil {
		msg, code := reportError(err)
		writeJSON(w, code, map[string]string{"error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": res.Report, "cached": res.Cached})
}

func (s *Server) handleTriggerCollect(w http.ResponseWriter, r *http.Request) {
	err := s.workflow.Trigger(r.Context())
	var apiErr *workflow.APIError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": collectTriggered})
	case errors.Is(err, workflow.ErrNotConfigured):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "GitHub token not configured"})
	case errors.As(err, &apiErr):
		writeJSON(w, apiErr.StatusCode, map[string]string{"error": apiErr.Error()})
	default:
		s.logger.Error("trigger collect", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to trigger data collection"})
	}
}

func (s *Server) handleCollectionStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.workflow.Status(r.Context())
	switch {
	case err == nil:
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, workflow.ErrNotConfigured):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "GitHub token not configured"})
	default:
		s.logger.Error("check collection status", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to check status"})
	}
}

type articleJSON struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Agency      string    `json:"agency"`
	AgencyName  string    `json:"agencyName"`
	Category    string    `json:"category"`
	PublishedAt time.Time `json:"publishedAt"`
	IsNew       bool      `json:"isNew"`
	Stars       int       `json:"stars"`
	Risk        string    `json:"risk"`
	Summary     []string  `json:"summary,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
	HasReport   bool      `json:"hasReport"`
}

type groupJSON struct {
	Date     string        `json:"date"`
	Key      string        `json:"key"`
	NewCount int           `json:"newCount"`
	Articles []articleJSON `json:"articles"`
}

func toArticleJSON(it dashboard.Item) articleJSON {
	out := articleJSON{
		ID:          it.Article.ID,
		Title:       it.Article.Title,
		Link:        it.Article.Link,
		Agency:      it.Article.Agency,
		AgencyName:  it.Agency.Name,
		Category:    string(it.Category),
		PublishedAt: it.Article.PublishedAt,
		IsNew:       it.IsNew,
		Stars:       it.Stars,
		Risk:        string(it.Risk),
		HasReport:   it.HasReport,
	}
	if a := it.Article.Analysis; a != nil {
		out.Summary = a.Summary
		out.Keywords = a.Keywords
	}
	return out
}

func (s *Server) handleAPIArticles(w http.ResponseWriter, r *http.Request) {
	view, _, err := s.loadView(r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load articles"})
		return
	}

	resp := map[string]any{
		"total":    view.Total,
		"shown":    view.Shown,
		"newCount": view.NewCount,
		"view":     view.Mode,
		"sort":     view.Filter.Sort,
	}
	if view.Mode == dashboard.ModeList {
		items := make([]articleJSON, 0, len(view.Items))
		for _, it := range view.Items {
			items = append(items, toArticleJSON(it))
		}
		resp["articles"] = items
	} else {
		groups := make([]groupJSON, 0, len(view.Groups))
		for _, g := range view.Groups {
			gj := groupJSON{Date: g.Label, Key: g.Key, NewCount: g.NewCount, Articles: make([]articleJSON, 0, len(g.Items))}
			for _, it := range g.Items {
				gj.Articles = append(gj.Articles, toArticleJSON(it))
			}
			groups = append(groups, gj)
		}
		resp["groups"] = groups
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVisit advances the viewer's watermark. The page calls it a few
// seconds after load.
func (s *Server) handleVisit(w http.ResponseWriter, r *http.Request) {
	tracker := watermark.NewTracker(&watermark.CookieStorage{Request: r, Response: w})
	if err := tracker.Touch(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
