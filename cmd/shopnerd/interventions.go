package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var interventionsCmd = &cobra.Command{
	Use:   "interventions",
	Short: "Inspect and resolve the human-intervention queue",
}

var interventionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending interventions",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := buildPipeline()
		pending, err := p.broker.ListPending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending interventions.")
			return nil
		}
		for _, iv := range pending {
			fmt.Printf("%s  %-16s  %s\n    %s\n", iv.ID, iv.Type, iv.Domain, iv.URL)
			if iv.ViewerURL != "" {
				fmt.Printf("    viewer: %s\n", iv.ViewerURL)
			}
		}
		return nil
	},
}

var resolveSkipReason string

var interventionsResolveCmd = &cobra.Command{
	Use:   "resolve [id]",
	Short: "Mark an intervention solved (or skipped with --skip)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := buildPipeline()
		success := resolveSkipReason == ""
		if err := p.broker.Resolve(args[0], success, resolveSkipReason); err != nil {
			return err
		}
		if success {
			fmt.Println("resolved", args[0])
		} else {
			fmt.Println("skipped", args[0])
		}
		return nil
	},
}

func init() {
	interventionsResolveCmd.Flags().StringVar(&resolveSkipReason, "skip", "", "skip with this reason instead of solving")
	interventionsCmd.AddCommand(interventionsListCmd)
	interventionsCmd.AddCommand(interventionsResolveCmd)
}
