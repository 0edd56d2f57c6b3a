package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

type runOptions struct {
	model     string
	system    string
	sessionID string
	approve   string
	jsonOut   bool
	images    []string
}

func buildRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a single prompt to completion",
		Long: `Run one agent turn in the configured workspace and print the answer.

Permission requests are asked on the terminal when stdin is interactive.
Otherwise --approve decides them: "none" denies everything, "read" grants
read requests only, "all" grants everything.`,
		Example: `  conductor run "list the Go packages in this repo"
  conductor run --approve read --json "find TODOs" | jq .type`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model to use (overrides config)")
	cmd.Flags().StringVar(&opts.system, "system", "", "System prompt (overrides config)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Continue a persisted session by id")
	cmd.Flags().StringVar(&opts.approve, "approve", "none", "Non-interactive permission policy: none, read, all")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Write the event stream as JSON lines")
	cmd.Flags().StringSliceVar(&opts.images, "image", nil, "Attach an image file or URL (repeatable)")
	return cmd
}
