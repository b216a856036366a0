package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/config"
)

func newUICmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve the HTTP API and run the automation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&config.Overrides{Port: port})
			if err != nil {
				return err
			}
			p, err := buildPlatform(cfg, true, true)
			if err != nil {
				return err
			}
			defer p.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := p.daemon.Start(ctx); err != nil {
				return err
			}
			defer p.daemon.Stop()

			if err := p.server.Start(); err != nil {
				return err
			}
			<-ctx.Done()

			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			p.server.Stop(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default from config, 7777)")
	return cmd
}
