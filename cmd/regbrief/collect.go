package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/RegBrief/internal/workflow"
)

var (
	collectWait    bool
	collectTimeout time.Duration
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Trigger the remote news collection workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := newWorkflowClient()
		since := time.Now()
		if err := client.Trigger(ctx); err != nil {
			return err
		}
		fmt.Println("Data collection triggered successfully! It may take a few minutes to complete.")
		if !collectWait {
			return nil
		}

		if collectTimeout > 0 {
			var cancel func()
			ctx, cancel = context.WithTimeout(ctx, collectTimeout)
			defer cancel()
		}
		run, err := client.Wait(ctx, since, cfg.Workflow.PollInterval, func(r workflow.Run) {
			fmt.Printf("  %s  %s\n", time.Now().Format("15:04:05"), r)
		})
		if err != nil {
			return fmt.Errorf("waiting for collection: %w", err)
		}
		if run.URL != "" {
			fmt.Printf("Run: %s\n", run.URL)
		}
		if run.Conclusion == nil || *run.Conclusion != workflow.ConclusionSuccess {
			return fmt.Errorf("collection finished as %s", run)
		}
		fmt.Println("Collection complete.")
		return nil
	},
}

func init() {
	collectCmd.Flags().BoolVarP(&collectWait, "wait", "w", false, "Wait for the run to complete")
	collectCmd.Flags().DurationVar(&collectTimeout, "timeout", 15*time.Minute, "Give up waiting after this long")
}

var collectStatusCmd = &cobra.Command{
	Use:   "collect-status",
	Short: "Show the most relevant collection workflow run",
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := newWorkflowClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(run)
		if run.URL != "" {
			fmt.Println(run.URL)
		}
		return nil
	},
}
