package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/RegBrief/internal/catalog"
	"github.com/TobiSchelling/RegBrief/internal/database"
	"github.com/TobiSchelling/RegBrief/internal/report"
	"github.com/TobiSchelling/RegBrief/internal/workflow"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Deps are the collaborators the server is composed from.
type Deps struct {
	Store    database.Store
	Reports  *report.Orchestrator
	Workflow *workflow.Client
	Logger   *zap.Logger

	Passcode     string
	CookieMaxAge time.Duration
	ListLimit    int
	// TouchDelay is how long the page waits before advancing the
	// watermark, so NEW badges are seen at least once.
	TouchDelay time.Duration
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

// Server is the HTTP server for the dashboard.
type Server struct {
	store    database.Store
	reports  *report.Orchestrator
	workflow *workflow.Client
	logger   *zap.Logger

	passcode     string
	cookieMaxAge time.Duration
	listLimit    int
	touchDelay   time.Duration
	keepAlive    time.Duration

	events *broadcaster
	pages  map[string]*template.Template
	mux    *http.ServeMux
}

// New creates a new Server.
func New(d Deps) (*Server, error) {
	if d.Store == nil || d.Reports == nil || d.Workflow == nil {
		return nil, errors.New("server: store, reports and workflow are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.CookieMaxAge <= 0 {
		d.CookieMaxAge = 24 * time.Hour
	}
	if d.ListLimit <= 0 {
		d.ListLimit = database.DefaultListLimit
	}
	if d.TouchDelay <= 0 {
		d.TouchDelay = 3 * time.Second
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = 25 * time.Second
	}

	funcMap := template.FuncMap{
		"markdown":      renderMarkdown,
		"stars":         starSlots,
		"agencyName":    func(code string) string { return catalog.LookupAgency(code).ShortName },
		"categoryLabel": func(c catalog.Category) string { return c.Label() },
		"isAll":         catalog.IsAll,
		"millis":        func(d time.Duration) int64 { return d.Milliseconds() },
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so its {{define "content"}}
	// and {{define "title"}} do not collide.
	pageNames := []string{"dashboard.html", "report.html", "login.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		store:        d.Store,
		reports:      d.Reports,
		workflow:     d.Workflow,
		logger:       d.Logger,
		passcode:     d.Passcode,
		cookieMaxAge: d.CookieMaxAge,
		listLimit:    d.ListLimit,
		touchDelay:   d.TouchDelay,
		keepAlive:    d.KeepAlive,
		events:       newBroadcaster(d.Store, d.Logger),
		pages:        pages,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.requireAuth(s.mux))
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /{$}", s.handleDashboard)
	s.mux.HandleFunc("GET /articles/{id}/report", s.handleReportPage)
	s.mux.HandleFunc("GET /events", s.handleEvents)

	s.mux.HandleFunc("POST /api/report", s.handleAPIReport)
	s.mux.HandleFunc("POST /api/trigger-collect", s.handleTriggerCollect)
	s.mux.HandleFunc("GET /api/check-collection-status", s.handleCollectionStatus)
	s.mux.HandleFunc("GET /api/articles", s.handleAPIArticles)
	s.mux.HandleFunc("POST /api/visit", s.handleVisit)
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	s.execute(w, status, name, "base.html", data)
}

// renderFragment renders one named block of a page without the layout.
func (s *Server) renderFragment(w http.ResponseWriter, name, block string, data any) {
	s.execute(w, http.StatusOK, name, block, data)
}

func (s *Server) execute(w http.ResponseWriter, status int, name, block string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, block, data); err != nil {
		s.logger.Error("rendering template", zap.String("template", name), zap.String("block", block), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// starSlots returns five flags, true for each filled star.
func starSlots(n int) []bool {
	out := make([]bool, 5)
	for i := range out {
		out[i] = i < n
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close releases the shared insert subscription. Run calls it on shutdown;
// callers serving Handler themselves must call it when done.
func (s *Server) Close() {
	s.events.close()
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", zap.String("url", "http://"+ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		s.logger.Info("server shutting down")
		defer s.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// isPartial reports whether the client asked for a fragment only.
func isPartial(r *http.Request) bool {
	v := strings.TrimSpace(r.URL.Query().Get("partial"))
	return v == "1" || strings.EqualFold(v, "true")
}
