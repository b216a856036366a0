package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/project"
	"github.com/haasonsaas/amon/internal/vault"
)

func projectStore() (*project.Store, error) {
	cfg, err := loadConfig(nil)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Logging)
	return project.NewStore(cfg.DataDir, vault.New(cfg.DataDir), logger), nil
}

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage projects",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := projectStore()
			if err != nil {
				return err
			}
			projects, err := store.List()
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.Root)
			}
			return nil
		},
	}

	var name string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := projectStore()
			if err != nil {
				return err
			}
			p, err := store.Create(args[0], name)
			if err != nil {
				return err
			}
			fmt.Printf("created %s at %s\n", p.ID, p.Root)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name (default: the id)")

	cmd.AddCommand(list, create)
	return cmd
}
