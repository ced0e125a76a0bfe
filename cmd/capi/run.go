package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/capi-project/capi-core/internal/contextassembler"
	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/internal/worker"
	"github.com/capi-project/capi-core/pkg/types"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <model_id>",
		Short: "Interactive chat against a locally loaded model, no HTTP server involved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := args[0]
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			cfg := a.cfg.Get()

			w, err := a.engine.EnsureLoaded(ctx, modelID, cfg.DevicePreference)
			if err != nil {
				return err
			}

			var history []types.ChatMessage
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprintf(cmd.OutOrStdout(), "capi run %s — type a message, Ctrl+D to quit\n", modelID)
			for {
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !scanner.Scan() {
					fmt.Fprintln(cmd.OutOrStdout())
					return nil
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}

				params := types.GenerateParams{MaxNewTokens: 512, Temperature: 1.0, TopP: 1.0}
				assembled, err := contextassembler.Assemble(w, history, line, cfg.DefaultContextTokens, 0, params.MaxNewTokens)
				if err != nil {
					return core.InvalidRequestError{Reason: err.Error()}
				}

				handle, err := a.engine.Generate(ctx, modelID, worker.GenerateJob{
					ID:     uuid.NewString(),
					Prompt: assembled.Prompt,
					Params: params,
				}, cfg.DevicePreference)
				if err != nil {
					return err
				}

				var reply strings.Builder
				for tok := range handle.Tokens {
					reply.WriteString(tok)
					fmt.Fprint(cmd.OutOrStdout(), tok)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				res := <-handle.Done
				if res.Err != nil {
					return res.Err
				}

				history = append(history, types.ChatMessage{Role: types.RoleUser, Content: line})
				history = append(history, types.ChatMessage{Role: types.RoleAssistant, Content: reply.String()})
			}
		},
	}
}
