package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/RegBrief/internal/dashboard"
	"github.com/TobiSchelling/RegBrief/internal/database"
	"github.com/TobiSchelling/RegBrief/internal/kst"
	"github.com/TobiSchelling/RegBrief/internal/report"
	"github.com/TobiSchelling/RegBrief/internal/watermark"
)

// --- articles command ---

var (
	articlesFilter dashboard.Filter
	articlesSort   string
	articlesList   bool
	articlesLimit  int
)

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "List analyzed articles grouped by KST date",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		limit := articlesLimit
		if limit <= 0 {
			limit = cfg.Store.ListLimit
		}
		articles, err := store.ListArticles(ctx, database.ListOptions{Limit: limit})
		if err != nil {
			return fmt.Errorf("listing articles: %w", err)
		}

		tracker := watermark.NewTracker(&watermark.FileStorage{Path: cfg.WatermarkFile()})
		mode := dashboard.ModeTimeline
		if articlesList {
			mode = dashboard.ModeList
		}
		articlesFilter.Sort = dashboard.ParseOrder(articlesSort)
		view := dashboard.Build(articles, articlesFilter, tracker.Get(), mode)

		fmt.Printf("%d shown / %d total", view.Shown, view.Total)
		if view.NewCount > 0 {
			fmt.Printf(" (NEW %d)", view.NewCount)
		}
		fmt.Println()

		if view.Mode == dashboard.ModeList {
			fmt.Println()
			for _, it := range view.Items {
				printItem(it, true)
			}
		} else {
			for _, g := range view.Groups {
				fmt.Printf("\n%s  %d건", g.Label, len(g.Items))
				if g.NewCount > 0 {
					fmt.Printf("  NEW %d", g.NewCount)
				}
				fmt.Println()
				for _, it := range g.Items {
					printItem(it, false)
				}
			}
		}

		// Only advance the watermark once the listing has been shown.
		return tracker.Touch()
	},
}

func printItem(it dashboard.Item, withDate bool) {
	marker := "   "
	if it.IsNew {
		marker = "NEW"
	}
	when := it.Clock
	if withDate {
		when = it.DateLabel + " " + it.Clock
	}
	suffix := ""
	if it.HasReport {
		suffix = " [report]"
	}
	fmt.Printf("  %s #%-5d %s %-6s %s %s  %s%s\n",
		marker, it.Article.ID, when, it.Risk.Label(), starString(it.Stars), it.Agency.ShortName, it.Article.Title, suffix)
}

func starString(n int) string {
	return strings.Repeat("★", n) + strings.Repeat("☆", 5-n)
}

func init() {
	f := articlesCmd.Flags()
	f.StringVar(&articlesFilter.Agency, "agency", "all", "Agency code (FSC, FSS, MOEF, BOK, ...)")
	f.StringVar(&articlesFilter.Risk, "risk", "all", "Risk level (high, medium, low)")
	f.StringVar(&articlesFilter.Category, "category", "all", "Category (press_release, regulation_notice)")
	f.StringVarP(&articlesFilter.Query, "query", "q", "", "Search title and keywords")
	f.StringVar(&articlesSort, "sort", "importance", "Order within a day (importance, risk)")
	f.BoolVar(&articlesList, "list", false, "Flat list instead of date groups")
	f.IntVar(&articlesLimit, "limit", 0, "Maximum articles to load (default store.list_limit)")
}

// --- report command ---

var reportProfile string

var reportCmd = &cobra.Command{
	Use:   "report <article-id>",
	Short: "Print the AI risk report for an article, generating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid article ID: %s", args[0])
		}

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		o, cleanup, err := newOrchestrator(store, report.WithObserver(func(_ int64, s report.State) {
			if verbose {
				fmt.Fprintf(os.Stderr, "  %s\n", s)
			}
		}))
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := o.Generate(ctx, report.Request{ArticleID: id, Profile: reportProfile})
		if err != nil {
			return err
		}
		if res.Cached {
			fmt.Fprintln(os.Stderr, "(stored report)")
		} else {
			fmt.Fprintf(os.Stderr, "(generated with profile %s)\n", res.Profile)
		}
		if res.PersistErr != nil {
			fmt.Fprintf(os.Stderr, "warning: report not saved: %v\n", res.PersistErr)
		}
		fmt.Println(res.Report)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportProfile, "profile", "",
		"Prompt profile ("+strings.Join(report.ProfileNames(), ", ")+"); defaults to report.profile")
}

// --- seed command ---

type seedArticle struct {
	Title       string         `json:"title"`
	Link        string         `json:"link"`
	Agency      string         `json:"agency"`
	Category    string         `json:"category"`
	Content     string         `json:"content"`
	PublishedAt string         `json:"published_at"`
	CreatedAt   string         `json:"created_at"`
	Analysis    map[string]any `json:"analysis_result"`
}

func (s seedArticle) toNew() (database.NewArticle, error) {
	if strings.TrimSpace(s.Title) == "" || strings.TrimSpace(s.Link) == "" || strings.TrimSpace(s.Agency) == "" {
		return database.NewArticle{}, errors.New("title, link and agency are required")
	}
	a := database.NewArticle{
		Title:    s.Title,
		Link:     s.Link,
		Agency:   s.Agency,
		Category: s.Category,
		Content:  s.Content,
		Analysis: s.Analysis,
	}
	var err error
	if a.PublishedAt, err = kst.Parse(s.PublishedAt); err != nil {
		return database.NewArticle{}, fmt.Errorf("published_at: %w", err)
	}
	if s.CreatedAt != "" {
		if a.CreatedAt, err = kst.Parse(s.CreatedAt); err != nil {
			return database.NewArticle{}, fmt.Errorf("created_at: %w", err)
		}
	} else {
		a.CreatedAt = time.Now().UTC()
	}
	return a, nil
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.json>",
	Short: "Load fixture articles into the configured store (development only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading fixtures: %w", err)
		}
		var fixtures []seedArticle
		if err := json.Unmarshal(data, &fixtures); err != nil {
			return fmt.Errorf("parsing fixtures: %w", err)
		}

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		var inserted, duplicates int
		for i, f := range fixtures {
			a, err := f.toNew()
			if err != nil {
				return fmt.Errorf("fixture %d: %w", i, err)
			}
			id, err := store.InsertArticle(ctx, a)
			if err != nil {
				return fmt.Errorf("fixture %d: %w", i, err)
			}
			if id == 0 {
				duplicates++
				continue
			}
			inserted++
		}

		fmt.Println("Seed complete:")
		fmt.Printf("  New articles: %d\n", inserted)
		fmt.Printf("  Duplicates skipped: %d\n", duplicates)
		return nil
	},
}
