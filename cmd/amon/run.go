package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/orchestrator"
	"github.com/haasonsaas/amon/internal/stream"
)

func newRunCmd() *cobra.Command {
	var projectID, chatID, mode string
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt against a project and stream the output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return errs.New(errs.KindConfigInvalid, "--project is required")
			}
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			p, err := buildPlatform(cfg, false, false)
			if err != nil {
				return err
			}
			defer p.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			turn, err := p.orch.HandleMessage(ctx, orchestrator.Message{
				ProjectID: projectID,
				ChatID:    chatID,
				Text:      strings.Join(args, " "),
				Mode:      mode,
			})
			if err != nil {
				return err
			}

			st, err := p.broker.Open(ctx, stream.Request{
				ProjectID: projectID,
				ChatID:    turn.ChatID,
				RunID:     turn.RunID,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			var failed bool
			for frame := range st.Frames() {
				switch frame.Event {
				case stream.FrameToken:
					text, _ := frame.Data["text"].(string)
					fmt.Print(text)
				case stream.FramePlan:
					fmt.Fprintf(os.Stderr, "\nrun parked awaiting confirmation: %v %v\n",
						frame.Data["command"], frame.Data["args"])
				case stream.FrameError:
					msg, _ := frame.Data["message"].(string)
					fmt.Fprintln(os.Stderr, "\nrun failed:", msg)
					failed = true
				case stream.FrameDone:
					fmt.Println()
				}
			}
			if failed {
				return errs.New(errs.KindIO, "run %s failed", turn.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat session id (default: latest)")
	cmd.Flags().StringVar(&mode, "mode", "", "graph mode: single, self_critique, team (default: auto)")
	return cmd
}
