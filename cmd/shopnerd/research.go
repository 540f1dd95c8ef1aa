package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"shopnerd/internal/research"
)

var (
	researchMode   string
	researchAssist bool
	researchJSON   bool
)

var researchCmd = &cobra.Command{
	Use:   "research [query]",
	Short: "Run one research job from the terminal",
	Long: `Runs the full research loop for a query and prints the report.

Example:
  shopnerd research "gaming laptop with nvidia rtx gpu under $1500"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

func init() {
	researchCmd.Flags().StringVar(&researchMode, "mode", "standard", "research mode: standard or deep")
	researchCmd.Flags().BoolVar(&researchAssist, "assist", false, "allow human-intervention pauses")
	researchCmd.Flags().BoolVar(&researchJSON, "json", false, "print the raw result JSON")
}

func runResearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	p := buildPipeline()
	orch := research.NewOrchestrator(research.Options{
		Config:  cfg,
		LLM:     p.llm,
		Search:  research.NewFetchSearch(p.loader, cfg.Research.SearchEngineURL),
		Loader:  p.loader,
		Intel:   p.intel,
		PDP:     p.pdp,
		Tracker: p.tracker,
		Gate:    p.broker,
	})

	emitter := research.NewEmitter(func(ev research.Event) {
		if verbose {
			fmt.Printf("  [%s] %s\n", ev.Type, ev.Message)
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := orch.Run(ctx, research.Request{
		Query:              query,
		Mode:               researchMode,
		HumanAssistAllowed: researchAssist,
	}, emitter)
	if err != nil {
		return err
	}

	if researchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	printReport(res)
	return nil
}

func printReport(res *research.Result) {
	rep := res.Results
	fmt.Printf("Research: %s (%s, %d pass(es), strategy %s)\n\n",
		rep.Query, res.Mode, res.Passes, res.StrategyUsed)

	if len(rep.Vendors) == 0 {
		fmt.Println("No viable products found.")
	}
	for _, vg := range rep.Vendors {
		fmt.Printf("%s (%d)\n", vg.Vendor, len(vg.Products))
		for _, p := range vg.Products {
			price := "price unknown"
			if p.Product.Price != nil {
				price = fmt.Sprintf("$%.2f", *p.Product.Price)
			}
			fmt.Printf("  %.2f  %s  %s\n        %s\n", p.Score, p.Product.Title, price, p.Product.URL)
		}
	}

	if len(rep.Caveats) > 0 {
		fmt.Println("\nCaveats:")
		for _, c := range rep.Caveats {
			fmt.Printf("  - %s\n", c)
		}
	}
	fmt.Printf("\n%d page(s) visited, %d extracted, %d verified, %d viable, %d rejected\n",
		res.Stats.PagesVisited, res.Stats.Extracted, res.Stats.Verified,
		res.Stats.Viable, res.Stats.Rejected)
}
