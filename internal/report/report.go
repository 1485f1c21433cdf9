// Package report generates, caches and persists the detailed per-article
// risk report.
package report

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/TobiSchelling/RegBrief/internal/catalog"
	"github.com/TobiSchelling/RegBrief/internal/database"
	"github.com/TobiSchelling/RegBrief/internal/fetch"
	"github.com/TobiSchelling/RegBrief/internal/llm"
)

var (
	// ErrNotConfigured means no inference credential is available.
	ErrNotConfigured   = llm.ErrNotConfigured
	ErrArticleNotFound = errors.New("article not found")
	ErrUnknownProfile  = errors.New("unknown report profile")
	ErrTimeout         = errors.New("report generation timed out")
)

// State is a step of one report request.
type State int

const (
	NoReportRequested State = iota
	CacheCheckInFlight
	CacheHit
	GenerationInFlight
	GenerationSucceeded
	GenerationFailed
	PersistInFlight
	Persisted
)

func (s State) String() string {
	switch s {
	case NoReportRequested:
		return "no_report_requested"
	case CacheCheckInFlight:
		return "cache_check_in_flight"
	case CacheHit:
		return "cache_hit"
	case GenerationInFlight:
		return "generation_in_flight"
	case GenerationSucceeded:
		return "generation_succeeded"
	case GenerationFailed:
		return "generation_failed"
	case PersistInFlight:
		return "persist_in_flight"
	case Persisted:
		return "persisted"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ArticleStore is the part of the article store the orchestrator needs.
type ArticleStore interface {
	GetArticle(ctx context.Context, id int64) (*database.Article, error)
	MergeAnalysis(ctx context.Context, id int64, patch map[string]any) error
}

// ContentSource fetches the body of an article's source page.
type ContentSource interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Request asks for the report of one article. Agency, Title and Content
// are used only when the store cannot be read.
type Request struct {
	ArticleID int64
	Profile   string
	Agency    string
	Title     string
	Content   string
}

type Result struct {
	Report      string
	Cached      bool
	Profile     string
	GeneratedAt time.Time
	// PersistErr is set when the report was generated but could not be
	// written back. The report is still valid.
	PersistErr error
}

// Orchestrator serves report requests: cached report if present, else one
// inference call per article at a time, then a merge-patch write.
type Orchestrator struct {
	store    ArticleStore
	provider llm.Provider
	logger   *zap.Logger
	fetcher  ContentSource
	locker   Locker
	observer func(articleID int64, s State)

	defaultProfile string
	timeout        time.Duration
	maxTokens      int
	lockWait       time.Duration
	pollEvery      time.Duration
	now            func() time.Time

	group singleflight.Group
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithFetcher enables fetching the source page for articles stored
// without content.
func WithFetcher(f ContentSource) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithLocker coordinates generation with other processes. Requests that
// lose the lock wait up to wait for the holder's report.
func WithLocker(l Locker, wait time.Duration) Option {
	return func(o *Orchestrator) {
		o.locker = l
		o.lockWait = wait
	}
}

// WithObserver registers a callback for every state transition.
func WithObserver(fn func(articleID int64, s State)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithDefaultProfile sets the profile used when a request names none.
func WithDefaultProfile(name string) Option {
	return func(o *Orchestrator) { o.defaultProfile = name }
}

func New(store ArticleStore, provider llm.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		provider:       provider,
		logger:         zap.NewNop(),
		locker:         nopLocker{},
		defaultProfile: "briefing",
		timeout:        90 * time.Second,
		maxTokens:      4096,
		lockWait:       2 * time.Minute,
		pollEvery:      time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ResolveProfile returns the named profile, or the default for "".
func (o *Orchestrator) ResolveProfile(name string) (Profile, error) {
	if name == "" {
		name = o.defaultProfile
	}
	p, ok := LookupProfile(name)
	if !ok {
		return Profile{}, fmt.Errorf("%w %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Generate returns the article's report, generating and persisting it on
// a cache miss. Concurrent calls for the same article share one run, and
// the profile of the call that started it wins; Result.Profile names the
// profile actually used. An article stores one report, so a later call
// with another profile gets the cached report too. The run outlives a
// cancelled ctx so its report still gets persisted.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	if !o.provider.IsConfigured() {
		o.observe(req.ArticleID, GenerationFailed)
		return nil, ErrNotConfigured
	}
	profile, err := o.ResolveProfile(req.Profile)
	if err != nil {
		return nil, err
	}

	key := strconv.FormatInt(req.ArticleID, 10)
	ch := o.group.DoChan(key, func() (any, error) {
		return o.run(context.WithoutCancel(ctx), req, profile)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, profile Profile) (*Result, error) {
	id := req.ArticleID
	log := o.logger.With(zap.Int64("article_id", id), zap.String("profile", profile.Name))

	o.observe(id, CacheCheckInFlight)
	article, err := o.store.GetArticle(ctx, id)
	switch {
	case err != nil:
		if req.Title == "" && req.Content == "" {
			return nil, fmt.Errorf("checking cached report: %w", err)
		}
		log.Warn("cache check failed, generating from request fields", zap.Error(err))
		article = &database.Article{ID: id, Agency: req.Agency, Title: req.Title, Content: req.Content}
	case article == nil:
		return nil, ErrArticleNotFound
	case article.HasReport():
		o.observe(id, CacheHit)
		return cachedResult(article), nil
	}

	release, ok, err := o.locker.Acquire(ctx, id)
	switch {
	case err != nil:
		log.Warn("report lock unavailable, generating without it", zap.Error(err))
	case !ok:
		if res := o.awaitPeer(ctx, id); res != nil {
			return res, nil
		}
		log.Info("lock holder produced no report, generating")
	default:
		defer release()
		// A peer may have persisted and released between the first check
		// and our acquire.
		if a, err := o.store.GetArticle(ctx, id); err == nil && a != nil && a.HasReport() {
			o.observe(id, CacheHit)
			return cachedResult(a), nil
		}
	}

	o.observe(id, GenerationInFlight)
	start := time.Now()
	text, err := o.generate(ctx, article, profile)
	if err != nil {
		o.observe(id, GenerationFailed)
		log.Error("report generation failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	o.observe(id, GenerationSucceeded)
	log.Info("report generated",
		zap.String("provider", o.provider.Name()),
		zap.Int("chars", len([]rune(text))),
		zap.Duration("elapsed", time.Since(start)))

	now := o.now().UTC()
	res := &Result{Report: text, Profile: profile.Name, GeneratedAt: now}

	o.observe(id, PersistInFlight)
	patch := map[string]any{
		"detailed_report":     text,
		"report_generated_at": now.Format(time.RFC3339),
	}
	if err := o.store.MergeAnalysis(ctx, id, patch); err != nil {
		log.Warn("persisting report failed, returning it unsaved", zap.Error(err))
		res.PersistErr = err
		return res, nil
	}
	o.observe(id, Persisted)
	return res, nil
}

// awaitPeer polls while another process holds the article's lock. It
// returns nil when the holder went away without persisting a report or
// the wait ran out.
func (o *Orchestrator) awaitPeer(ctx context.Context, id int64) *Result {
	deadline := time.NewTimer(o.lockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}

		if a, err := o.store.GetArticle(ctx, id); err == nil && a != nil && a.HasReport() {
			o.observe(id, CacheHit)
			return cachedResult(a)
		}
		held, err := o.locker.Held(ctx, id)
		if err != nil || held {
			continue
		}
		// Released: the holder may have persisted right before letting go.
		if a, err := o.store.GetArticle(ctx, id); err == nil && a != nil && a.HasReport() {
			o.observe(id, CacheHit)
			return cachedResult(a)
		}
		return nil
	}
}

func (o *Orchestrator) generate(ctx context.Context, a *database.Article, profile Profile) (string, error) {
	agency := catalog.LookupAgency(a.Agency).Name
	prompt := profile.Build(agency, a.Title, o.excerpt(ctx, a))

	gctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	text, err := o.provider.Generate(gctx, prompt, o.maxTokens)
	if err != nil {
		if errors.Is(gctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, o.timeout)
		}
		return "", fmt.Errorf("generating report: %w", err)
	}
	text = llm.StripCodeFence(text)
	if text == "" {
		return "", errors.New("generating report: empty response")
	}
	return text, nil
}

// excerpt picks the prompt body: stored content, else the fetched source
// page, else the title.
func (o *Orchestrator) excerpt(ctx context.Context, a *database.Article) string {
	if text := fetch.PlainText(a.Content); text != "" {
		return text
	}
	if o.fetcher != nil && a.Link != "" {
		text, err := o.fetcher.Fetch(ctx, a.Link)
		if err != nil {
			o.logger.Debug("source fetch failed", zap.String("link", a.Link), zap.Error(err))
		} else if text != "" {
			return text
		}
	}
	return a.Title
}

func (o *Orchestrator) observe(id int64, s State) {
	if o.observer != nil {
		o.observer(id, s)
	}
}

func cachedResult(a *database.Article) *Result {
	res := &Result{Report: a.Analysis.DetailedReport, Cached: true}
	if t, err := time.Parse(time.RFC3339, a.Analysis.ReportGeneratedAt); err == nil {
		res.GeneratedAt = t
	}
	return res
}
