package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shopnerd/internal/research"
)

var (
	catalogCategory string
	catalogMax      int
	catalogJSON     bool
)

var catalogCmd = &cobra.Command{
	Use:   "catalog [vendor-url]",
	Short: "Enumerate one vendor's catalog",
	Long: `Walks a vendor's listing pages following pagination, extracts the
products, and scrapes reachable contact details.

Example:
  shopnerd catalog https://acme-shop.example/collections/laptops --category laptop`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalog,
}

func init() {
	catalogCmd.Flags().StringVar(&catalogCategory, "category", "", "keep only items matching this category")
	catalogCmd.Flags().IntVar(&catalogMax, "max", 0, "maximum items to collect")
	catalogCmd.Flags().BoolVar(&catalogJSON, "json", false, "print the raw result JSON")
}

func runCatalog(cmd *cobra.Command, args []string) error {
	p := buildPipeline()
	explorer := research.NewCatalogExplorer(p.loader)

	res, err := explorer.Explore(cmd.Context(), research.CatalogRequest{
		VendorURL: args[0],
		Category:  catalogCategory,
		MaxItems:  catalogMax,
	})
	if err != nil {
		return err
	}

	if catalogJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Printf("%s: %d item(s) over %d page(s)\n", res.Vendor, len(res.Items), res.Pages)
	for _, it := range res.Items {
		price := ""
		if it.Price != "" {
			price = "  " + it.Price
		}
		fmt.Printf("  %s%s\n    %s\n", it.Title, price, it.URL)
	}
	for _, e := range res.Contact.Emails {
		fmt.Println("contact:", e)
	}
	for _, ph := range res.Contact.Phones {
		fmt.Println("phone:", ph)
	}
	return nil
}
