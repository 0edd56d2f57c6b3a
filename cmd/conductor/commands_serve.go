package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSONL host protocol on stdin and stdout",
		Long: `Serve reads one JSON command per line on stdin and writes normalized
events and command responses as JSON lines on stdout. Logs go to stderr.

Commands:
  {"op":"open","id":"1","sessionId":"optional","model":"...","workspaceRoots":["sub/dir"]}
  {"op":"prompt","id":"2","sessionId":"...","text":"...","attachments":[...]}
  {"op":"respond","id":"3","sessionId":"...","toolCallId":"...","permissionType":"write","granted":true,"remember":false}
  {"op":"cancel","id":"4","sessionId":"..."}
  {"op":"resume","id":"5","sessionId":"..."}
  {"op":"tools","id":"6","sessionId":"..."}
  {"op":"close","id":"7","sessionId":"..."}

Every command is answered with {"type":"response","id":...,"ok":true|false}.
Sessions opened after a config reload use the reloaded model and tool
settings; open sessions keep theirs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the config file when it changes")
	return cmd
}
