package main

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/RegBrief/internal/report"
	"github.com/TobiSchelling/RegBrief/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		reports, cleanup, err := newOrchestrator(store, report.WithObserver(func(id int64, s report.State) {
			logger.Debug("report state", zap.Int64("article_id", id), zap.Stringer("state", s))
		}))
		if err != nil {
			return err
		}
		defer cleanup()

		if cfg.Passcode() == "" {
			logger.Warn("no passcode configured; login will be refused", zap.String("env", cfg.Auth.PasscodeEnv))
		}

		srv, err := server.New(server.Deps{
			Store:        store,
			Reports:      reports,
			Workflow:     newWorkflowClient(),
			Logger:       logger,
			Passcode:     cfg.Passcode(),
			CookieMaxAge: cfg.Auth.CookieMaxAge,
			ListLimit:    cfg.Store.ListLimit,
			TouchDelay:   cfg.Watermark.TouchDelay,
		})
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port))
		fmt.Printf("Starting server at http://%s\n", addr)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Run(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}
