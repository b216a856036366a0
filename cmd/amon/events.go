package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
)

func newEventsCmd() *cobra.Command {
	var projectID string
	var follow bool
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect event logs",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print a project's recent events, optionally following",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return errs.New(errs.KindConfigInvalid, "--project is required")
			}
			store, err := projectStore()
			if err != nil {
				return err
			}
			proj, err := store.Get(projectID)
			if err != nil {
				return err
			}
			logPath := eventlog.ProjectEventsPath(proj.Root)

			recent, err := eventlog.ReadPage(logPath, 1, limit, nil)
			if err != nil {
				return err
			}
			var lastID int64
			enc := json.NewEncoder(os.Stdout)
			for _, ev := range recent {
				if err := enc.Encode(ev); err != nil {
					return err
				}
				lastID = ev.EventID
			}
			if !follow {
				return nil
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return nil
				case <-ticker.C:
					fresh, err := eventlog.ReadSince(logPath, lastID, 0)
					if err != nil {
						fmt.Fprintln(os.Stderr, "read events:", err)
						continue
					}
					for _, ev := range fresh {
						if err := enc.Encode(ev); err != nil {
							return err
						}
						lastID = ev.EventID
					}
				}
			}
		},
	}
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	tail.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent events to print")

	cmd.PersistentFlags().StringVar(&projectID, "project", "", "project id")
	cmd.AddCommand(tail)
	return cmd
}
