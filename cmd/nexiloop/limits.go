package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexiloop/nexiloop/pkg/config"
)

func newLimitsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show the effective daily limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			lim := cfg.Limits.Quota()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLASS\tAUTHENTICATED\tANONYMOUS")
			fmt.Fprintf(w, "general\t%d\t%d\n", lim.GeneralAuthenticated, lim.GeneralAnonymous)
			fmt.Fprintf(w, "pro\t%d\tlogin required\n", lim.Pro)
			fmt.Fprintf(w, "special_agent\t%d\t%d\n", lim.SpecialAgent, lim.SpecialAgent)
			if err := w.Flush(); err != nil {
				return err
			}
			if len(cfg.FreeModels) > 0 {
				fmt.Printf("\nFree models (general class): %s\n", strings.Join(cfg.FreeModels, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}
