package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/RegBrief/internal/catalog"
	"github.com/TobiSchelling/RegBrief/internal/config"
	"github.com/TobiSchelling/RegBrief/internal/database"
	"github.com/TobiSchelling/RegBrief/internal/fetch"
	"github.com/TobiSchelling/RegBrief/internal/llm"
	"github.com/TobiSchelling/RegBrief/internal/logging"
	"github.com/TobiSchelling/RegBrief/internal/report"
	"github.com/TobiSchelling/RegBrief/internal/workflow"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "regbrief",
	Short:   "Regulatory news dashboard",
	Long:    "RegBrief serves the Korean financial-regulation news dashboard and generates AI risk reports on demand.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger, err = logging.New(cfg.Logging.Level, verbose)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(collectStatusCmd)
	rootCmd.AddCommand(seedCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("regbrief", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/regbrief/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := config.ConfigDir() + "/config.yaml"
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Set GEMINI_API_KEY, GITHUB_TOKEN and REGBRIEF_PASSCODE in the environment before serving.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Store: %s\n\n", describeStore())
		fmt.Println("Articles:")
		fmt.Printf("  Total collected: %d\n", stats.TotalArticles)
		fmt.Printf("  Analyzed: %d\n", stats.AnalyzedArticles)
		fmt.Printf("  With reports: %d\n", stats.WithReports)

		if len(stats.ByAgency) > 0 {
			fmt.Println("\nArticles by agency:")
			known := make(map[string]bool)
			for _, a := range catalog.Agencies() {
				known[string(a.Code)] = true
				if n := stats.ByAgency[string(a.Code)]; n > 0 {
					fmt.Printf("  %s (%s): %d\n", a.Name, a.Code, n)
				}
			}
			var other []string
			for code := range stats.ByAgency {
				if !known[code] {
					other = append(other, code)
				}
			}
			sort.Strings(other)
			for _, code := range other {
				fmt.Printf("  %s: %d\n", code, stats.ByAgency[code])
			}
		}

		fmt.Println("\nIntegrations:")
		fmt.Printf("  Inference: %s\n", configured(cfg.InferenceAPIKey() != ""))
		fmt.Printf("  Collection workflow: %s\n", configured(cfg.WorkflowToken() != ""))
		fmt.Printf("  Report lock (Redis): %s\n", configured(cfg.RedisURL() != ""))
		fmt.Printf("  Passcode: %s\n", configured(cfg.Passcode() != ""))
		return nil
	},
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func describeStore() string {
	if cfg.Store.Driver == "postgres" {
		return "postgres (" + cfg.ActiveBackend().URLEnv + ")"
	}
	return "sqlite " + cfg.SQLitePath()
}

// openStore opens the backend selected by store.driver and the v1/v2 switch.
func openStore(ctx context.Context) (database.Store, error) {
	opts := []database.Option{
		database.WithLogger(logger),
		database.WithPollInterval(cfg.Store.PollInterval),
	}
	switch cfg.Store.Driver {
	case "postgres":
		return database.OpenPostgres(ctx, cfg.DatabaseURL(), opts...)
	case "sqlite", "":
		if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return database.Open(cfg.SQLitePath(), opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newProvider() llm.Provider {
	return llm.CreateProvider(llm.Options{
		Provider:      cfg.Report.Provider,
		Model:         cfg.Report.Model,
		APIKey:        cfg.InferenceAPIKey(),
		OpenAIModel:   cfg.Report.OpenAIModel,
		OpenAIBaseURL: cfg.Report.OpenAIBaseURL,
	}, logger)
}

// newOrchestrator wires the report orchestrator. The returned cleanup
// closes the Redis lock client when one was opened.
func newOrchestrator(store database.Store, extra ...report.Option) (*report.Orchestrator, func(), error) {
	opts := []report.Option{
		report.WithLogger(logger),
		report.WithTimeout(cfg.Report.Timeout),
		report.WithMaxTokens(cfg.Report.MaxTokens),
		report.WithDefaultProfile(cfg.Report.Profile),
	}
	if cfg.Report.FetchSource {
		opts = append(opts, report.WithFetcher(fetch.NewContentFetcher(30*time.Second)))
	}

	cleanup := func() {}
	if url := cfg.RedisURL(); url != "" {
		locker, err := report.NewRedisLocker(url, cfg.Report.LockTTL)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, report.WithLocker(locker, cfg.Report.LockTTL))
		cleanup = func() { locker.Close() }
		logger.Info("report lock enabled", zap.Duration("ttl", locker.TTL()))
	}

	o := report.New(store, newProvider(), append(opts, extra...)...)
	if _, err := o.ResolveProfile(""); err != nil {
		cleanup()
		return nil, nil, err
	}
	return o, cleanup, nil
}

func newWorkflowClient() *workflow.Client {
	return workflow.New(workflow.Options{
		APIURL:  cfg.Workflow.APIURL,
		Owner:   cfg.Workflow.Owner,
		Repo:    cfg.Workflow.Repo,
		File:    cfg.Workflow.File,
		Ref:     cfg.Workflow.Ref,
		Token:   cfg.WorkflowToken(),
		PerPage: cfg.Workflow.PerPage,
	}, logger)
}
