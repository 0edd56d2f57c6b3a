package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Tools, Config, Artifacts and MCP Commands
// =============================================================================

func buildToolsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a new session would offer",
		Long: `Start every configured tool source, list the merged catalog after name
conflicts and the enabled-tool filter are applied, then stop the sources.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print definitions as JSON")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with defaults applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd)
			},
		},
	)
	return cmd
}

func buildArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Read tool outputs that were offloaded",
	}
	var outputPath string
	get := &cobra.Command{
		Use:   "get <ref>",
		Short: "Print an offloaded tool output by its reference",
		Long:  `Print the full output behind a file:// or s3:// reference from a tool.end event.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArtifactsGet(cmd, args[0], outputPath)
		},
	}
	get.Flags().StringVarP(&outputPath, "output", "o", "", "Write to a file instead of stdout")

	var maxAge string
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete local offloaded outputs older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArtifactsPrune(cmd, maxAge)
		},
	}
	prune.Flags().StringVar(&maxAge, "max-age", "", "Age such as 72h (default: offload.max_age)")

	cmd.AddCommand(get, prune)
	return cmd
}

func buildMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP servers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "servers",
		Short: "List configured MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPServers(cmd)
		},
	})
	return cmd
}
