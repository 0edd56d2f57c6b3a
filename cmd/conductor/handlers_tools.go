package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/artifacts"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/pkg/models"
)

// =============================================================================
// Tools, Config, Artifacts and MCP Handlers
// =============================================================================

func runTools(cmd *cobra.Command, jsonOut bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := applyLogging(cfg, cmd.ErrOrStderr())

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{ToolsOnly: true})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	resolved := cfg.Session()
	registry := agent.NewToolRegistry(logger, rt.tools(resolved)...)
	defs := registry.Refresh(ctx, resolved.ToolFilter())

	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}
	return printTools(out, defs)
}

func printTools(out io.Writer, defs []models.ToolDefinition) error {
	if len(defs) == 0 {
		fmt.Fprintln(out, "No tools available")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tOWNER\tPERMISSIONS\tDESCRIPTION")
	for _, def := range defs {
		perms := make([]string, 0, len(def.Permissions))
		for _, p := range def.Permissions {
			perms = append(perms, string(p))
		}
		permText := strings.Join(perms, ",")
		if permText == "" {
			permText = "-"
		}
		if def.ReadOnly {
			permText += " (read-only)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", def.Name, def.Source, def.OwnerID, permText, abbreviate(def.Description, 70))
	}
	return w.Flush()
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		path = "built-in defaults"
	}
	backend := cfg.Model.Provider
	if cfg.UsesACP() {
		backend += " (acp: " + cfg.ACP.Command + ")"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n  backend: %s\n  roots:   %s\n  mcp:     %d server(s)\n",
		path, backend, strings.Join(cfg.Workspace.Roots, ", "), len(cfg.MCP.Servers))
	return nil
}

func runConfigShow(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(redactSecrets(*cfg))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// redactSecrets masks credentials in a copy of cfg.
func redactSecrets(cfg config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "[REDACTED]"
	}
	cfg.Providers.Anthropic.APIKey = mask(cfg.Providers.Anthropic.APIKey)
	cfg.Providers.OpenAI.APIKey = mask(cfg.Providers.OpenAI.APIKey)
	cfg.Providers.Google.APIKey = mask(cfg.Providers.Google.APIKey)
	cfg.Providers.Bedrock.SecretAccessKey = mask(cfg.Providers.Bedrock.SecretAccessKey)
	cfg.Providers.Bedrock.SessionToken = mask(cfg.Providers.Bedrock.SessionToken)
	cfg.Offload.S3.SecretAccessKey = mask(cfg.Offload.S3.SecretAccessKey)
	cfg.Storage.DSN = mask(cfg.Storage.DSN)
	return cfg
}

func runArtifactsGet(cmd *cobra.Command, ref, outputPath string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := artifacts.NewStore(ctx, cfg.Offload)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := artifacts.NewOffloader(store, nil).Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("open %s: %w", ref, err)
	}
	defer r.Close()

	var out io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = io.Copy(out, r)
	return err
}

func runArtifactsPrune(cmd *cobra.Command, maxAge string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	age := cfg.Offload.MaxAge
	if maxAge != "" {
		if age, err = time.ParseDuration(maxAge); err != nil {
			return fmt.Errorf("--max-age: %w", err)
		}
	}
	if age <= 0 {
		return fmt.Errorf("set --max-age or offload.max_age")
	}

	store, err := artifacts.NewStore(cmd.Context(), cfg.Offload)
	if err != nil {
		return err
	}
	defer store.Close()
	pruner, ok := store.(artifacts.Pruner)
	if !ok {
		return fmt.Errorf("the %s backend expires outputs with bucket lifecycle rules", cfg.Offload.Backend)
	}
	n := artifacts.NewCleanupService(pruner, age, 0, nil).RunOnce(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d output(s) older than %s\n", n, age)
	return nil
}

func runMCPServers(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(cfg.MCP.Servers) == 0 {
		fmt.Fprintln(out, "No MCP servers configured")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRANSPORT\tTARGET\tPERMISSIONS")
	for _, s := range cfg.MCP.Servers {
		transport, target := s.Transport, s.URL
		if transport == "" || transport == mcp.TransportStdio {
			transport = mcp.TransportStdio
			target = strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
		}
		perms := "all"
		if len(s.Permissions) > 0 {
			names := make([]string, 0, len(s.Permissions))
			for _, p := range s.Permissions {
				names = append(names, string(p))
			}
			perms = strings.Join(names, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, transport, target, perms)
	}
	return w.Flush()
}
