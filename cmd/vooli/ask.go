package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/vooli/config"
	"github.com/mohammad-safakhou/vooli/internal/metadata"
	"github.com/mohammad-safakhou/vooli/internal/pipeline"
	"github.com/mohammad-safakhou/vooli/internal/store"
)

// askCMD runs one message through the pipeline in-process and prints the
// answer tokens as they stream.
func askCMD() *cobra.Command {
	var cfgPath string
	var userID string
	var ask = &cobra.Command{
		Use:   "ask <message>",
		Short: "Ask a shopping question from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			// the sweep belongs to serve
			cfg.Reaper.Enabled = false
			if cfg.Pipeline.Metadata == "redis" {
				cfg.Pipeline.Metadata = "memory"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Pipeline.RunTimeout)
			defer cancel()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			text := strings.Join(args, " ")
			c, err := a.store.CreateChat(ctx, userID, text)
			if err != nil {
				return err
			}
			msg, err := a.store.CreateMessage(ctx, c.ID, store.RoleUser, text)
			if err != nil {
				return err
			}
			run, err := a.orch.Begin(ctx, pipeline.RunRequest{ChatID: c.ID, Message: text, UserMessageID: msg.ID})
			if err != nil {
				return err
			}
			events, err := a.hub.Subscribe(ctx, run.ID)
			if err != nil {
				return err
			}

			done := make(chan pipeline.FinalAnswer, 1)
			go func() { done <- a.orch.Drive(ctx, run) }()

			out := cmd.OutOrStdout()
			streamed := false
			for ev := range events {
				switch ev.Kind {
				case metadata.EventStatus:
					fmt.Fprintf(cmd.ErrOrStderr(), "· %s\n", ev.Status)
				case metadata.EventToken:
					streamed = true
					fmt.Fprint(out, ev.Token)
				}
			}
			final := <-done
			if !streamed {
				fmt.Fprint(out, final.Text)
			}
			fmt.Fprintln(out)
			for _, p := range final.Products {
				fmt.Fprintf(out, "- %s (%s) %s %s\n", p.Name, p.Price, p.StoreName, p.URL)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s finished: %s\n", final.RunID, final.Outcome)
			return nil
		},
	}
	ask.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	ask.Flags().StringVar(&userID, "user", "cli", "owner of the chat created for this question")
	return ask
}
