package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/sessions"
)

func newSessionsCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect chat sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List a project's chat sessions",
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
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			sess := sessions.NewStore(proj.Root, observability.NewLogger(cfg.Logging))
			ids, err := sess.ListSessions()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&projectID, "project", "", "project id")
	cmd.AddCommand(list)
	return cmd
}
