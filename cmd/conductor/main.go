// Package main provides the CLI entry point for conductor, an agent
// execution loop that drives model providers or external agent processes
// through permissioned tool calls.
//
// # Basic Usage
//
// Run one prompt in the current directory:
//
//	conductor run "summarize the README"
//
// Serve the JSONL host protocol on stdio:
//
//	conductor serve --config conductor.yaml
//
// List the tools a session would see:
//
//	conductor tools
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to the configuration file (default: conductor.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys used
//     when the config leaves them empty
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Flags shared by every command.
var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - agent execution loop",
		Long: `Conductor runs agent turns: it streams model output, routes tool calls
through a permission gate, executes builtin, MCP and browser tools, and
reports every step as a normalized event stream.

Native providers: Anthropic, OpenAI, Google Gemini, AWS Bedrock
External agents: any Agent Client Protocol process`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or set CONDUCTOR_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildArtifactsCmd(),
		buildMCPCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
