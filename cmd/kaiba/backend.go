package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/fentz26/kaiba/internal/config"
	"github.com/fentz26/kaiba/internal/controlplane"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/spf13/cobra"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Manage execution backends",
}

var backendAddCmd = &cobra.Command{
	Use:   "add [backend-id]",
	Short: "Create or replace a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackendAdd,
}

var backendListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backends",
	RunE:  runBackendList,
}

var backendImportCmd = &cobra.Command{
	Use:   "import [catalog-file]",
	Short: "Import backends and persona links from a YAML or TOML catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackendImport,
}

var backendDeleteCmd = &cobra.Command{
	Use:   "delete [backend-id]",
	Short: "Delete a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackendDelete,
}

var (
	backendName         string
	backendProvider     string
	backendModel        string
	backendPriority     int
	backendFallback     bool
	backendCommand      string
	backendArgs         []string
	backendSystemPrompt string
	backendMaxTokens    int
	backendWebSearch    bool
)

func init() {
	backendCmd.AddCommand(backendAddCmd, backendListCmd, backendImportCmd, backendDeleteCmd)

	backendAddCmd.Flags().StringVar(&backendName, "name", "", "Display name (defaults to the ID)")
	backendAddCmd.Flags().StringVar(&backendProvider, "provider", "", "Provider: google, anthropic, openai or local (required)")
	backendAddCmd.Flags().StringVar(&backendModel, "model", "", "Model ID (required)")
	backendAddCmd.Flags().IntVar(&backendPriority, "priority", 0, "Selection priority, lower wins")
	backendAddCmd.Flags().BoolVar(&backendFallback, "fallback", false, "Use when the token budget runs low")
	backendAddCmd.Flags().StringVar(&backendCommand, "command", "", "Command to run for local backends")
	backendAddCmd.Flags().StringSliceVar(&backendArgs, "arg", nil, "Command argument (repeatable)")
	backendAddCmd.Flags().StringVar(&backendSystemPrompt, "system-prompt", "", "System prompt")
	backendAddCmd.Flags().IntVar(&backendMaxTokens, "max-output-tokens", 0, "Maximum output tokens")
	backendAddCmd.Flags().BoolVar(&backendWebSearch, "web-search", false, "Ground answers with web search")
	backendAddCmd.MarkFlagRequired("provider")
	backendAddCmd.MarkFlagRequired("model")
}

func runBackendAdd(cmd *cobra.Command, args []string) error {
	provider, err := models.ParseProvider(backendProvider)
	if err != nil {
		return err
	}
	name := backendName
	if name == "" {
		name = args[0]
	}
	b := models.Backend{
		ID:         args[0],
		Name:       name,
		Provider:   provider,
		ModelID:    backendModel,
		Priority:   backendPriority,
		IsFallback: backendFallback,
		Config: models.BackendConfig{
			MaxOutputTokens: backendMaxTokens,
			SystemPrompt:    backendSystemPrompt,
			WebSearch:       backendWebSearch,
			Command:         backendCommand,
			Args:            backendArgs,
		},
	}
	var saved models.Backend
	if err := apiDo(apiClient, http.MethodPut, "/backends/"+b.ID, b, &saved); err != nil {
		return err
	}
	fmt.Printf("Saved backend: %s (%s/%s)\n", titleStyle.Render(saved.ID), saved.Provider, saved.ModelID)
	return nil
}

func runBackendList(cmd *cobra.Command, args []string) error {
	var backends []models.Backend
	if err := apiGet("/backends", &backends); err != nil {
		return err
	}
	if len(backends) == 0 {
		fmt.Println("No backends found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tPRIORITY\tFALLBACK")
	for _, b := range backends {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\n", b.ID, truncate(b.Name, 24), b.Provider, b.ModelID, b.Priority, b.IsFallback)
	}
	return w.Flush()
}

// runBackendImport parses the catalog locally so format errors are reported
// before anything is sent to the daemon.
func runBackendImport(cmd *cobra.Command, args []string) error {
	cat, err := config.LoadCatalog(args[0])
	if err != nil {
		return err
	}
	var res controlplane.ImportResult
	if err := apiPost("/backends/import", cat, &res); err != nil {
		return err
	}
	fmt.Printf("Imported %d backends and %d links\n", res.Backends, res.Links)
	for _, s := range res.Skipped {
		fmt.Println(warningStyle.Render("skipped link " + s + ": persona not found"))
	}
	return nil
}

func runBackendDelete(cmd *cobra.Command, args []string) error {
	if err := apiDo(apiClient, http.MethodDelete, "/backends/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted backend %s\n", args[0])
	return nil
}
