// Package main is the shopnerd CLI: a research and commerce extraction
// agent that searches, extracts, verifies, and reports on products
// across retail sites.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"shopnerd/internal/config"
	"shopnerd/internal/extract"
	"shopnerd/internal/fetch"
	"shopnerd/internal/intervention"
	"shopnerd/internal/logging"
	"shopnerd/internal/pageintel"
	"shopnerd/internal/perception"
	"shopnerd/internal/research"
	"shopnerd/internal/verify"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shopnerd",
	Short: "shopnerd - research and commerce extraction agent",
	Long: `shopnerd searches retail sites for products matching a query,
extracts candidates from listing pages, verifies them on their product
detail pages, and filters the survivors against the stated requirements.

Run "shopnerd serve" for the HTTP surface or "shopnerd research" for a
one-shot run from the terminal.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := logging.Initialize(cfg.Paths.StateDir); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

// pipeline bundles the collaborators shared by the CLI commands.
type pipeline struct {
	llm     perception.Client
	fetcher *fetch.Fetcher
	loader  research.PageLoader
	intel   *pageintel.Service
	pdp     *extract.PDPExtractor
	tracker *verify.RejectionTracker
	broker  *intervention.Broker
}

// buildPipeline wires the fetch-only pipeline. Browser sessions attach
// separately in serve mode.
func buildPipeline() *pipeline {
	recipes := perception.NewRecipeBook(cfg.Paths.RecipesDir)
	llm := perception.NewSolverClient(perception.SolverConfig{
		URL:     cfg.Solver.URL,
		Model:   cfg.Solver.Model,
		APIKey:  cfg.Solver.APIKey,
		Timeout: cfg.GetSolverTimeout(),
	}, recipes)

	fetcher := fetch.New(cfg.Fetch, cfg.GetRequestTimeout(), nil)
	loader := research.FetcherLoader{Fetcher: fetcher}

	store := pageintel.NewSchemaStore(cfg.Paths.SchemasDir)
	intel := pageintel.NewService(llm, store, cfg.Perception)
	pdp := extract.NewPDPExtractor(llm, store, nil, cfg.Perception)

	tracker := verify.SharedTracker(filepath.Join(cfg.Paths.StateDir, "rejection_patterns.json"))
	broker := intervention.NewBroker(cfg.Intervention,
		filepath.Join(cfg.Paths.StateDir, "captcha_queue.json"), nil)

	return &pipeline{
		llm:     llm,
		fetcher: fetcher,
		loader:  loader,
		intel:   intel,
		pdp:     pdp,
		tracker: tracker,
		broker:  broker,
	}
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "shopnerd.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(interventionsCmd)
	rootCmd.AddCommand(sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
