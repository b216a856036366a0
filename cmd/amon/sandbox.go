package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/sandbox"
)

func newSandboxCmd() *cobra.Command {
	var runnerURL string
	var timeoutS int

	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Talk to the sandbox runner",
	}

	exec := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Execute a command on the sandbox runner",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := runnerURL
			if url == "" {
				url = os.Getenv("SANDBOX_RUNNER_URL")
			}
			if url == "" {
				return errs.New(errs.KindConfigInvalid, "set --runner-url or SANDBOX_RUNNER_URL")
			}
			client := sandbox.NewClient(url)
			result, err := client.Exec(context.Background(), sandbox.Request{
				Command:  args[0],
				Args:     args[1:],
				TimeoutS: timeoutS,
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if result.ExitCode != 0 {
				return errs.New(errs.KindIO, "sandbox command exited %d", result.ExitCode)
			}
			return nil
		},
	}
	exec.Flags().StringVar(&runnerURL, "runner-url", "", "sandbox runner base URL")
	exec.Flags().IntVar(&timeoutS, "timeout", 0, "runner-side timeout in seconds")

	cmd.AddCommand(exec)
	return cmd
}
