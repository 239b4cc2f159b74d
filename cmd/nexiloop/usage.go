package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/quota"
)

func newUsageCmd() *cobra.Command {
	var configPath, userID, class string
	var authenticated bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and record quota usage",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a subject may perform one more action",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := models.ParseQuotaClass(class)
			if err != nil {
				return err
			}
			ctx := context.Background()
			_, ledger, closeStore, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := ledger.Check(ctx, userID, c)
			if err != nil {
				return err
			}
			printDecision(d)
			return d.Err()
		},
	}

	incrementCmd := &cobra.Command{
		Use:   "increment",
		Short: "Record one action without checking the limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := models.ParseQuotaClass(class)
			if err != nil {
				return err
			}
			ctx := context.Background()
			_, ledger, closeStore, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := ledger.Increment(ctx, userID, c, nil); err != nil {
				return err
			}
			fmt.Printf("Recorded one %s action for %s.\n", c, userID)
			return nil
		},
	}

	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Check and record one action atomically",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := models.ParseQuotaClass(class)
			if err != nil {
				return err
			}
			ctx := context.Background()
			_, ledger, closeStore, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := ledger.Consume(ctx, userID, c)
			if err != nil {
				return err
			}
			printDecision(d)
			return d.Err()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's usage for every class",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, ledger, closeStore, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			u, err := ledger.Status(ctx, userID, authenticated)
			if errors.Is(err, quota.ErrIdentityMismatch) {
				return fmt.Errorf("%w (pass --authenticated=%v)", err, !authenticated)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLASS\tUSED\tLIMIT\tREMAINING")
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", models.QuotaGeneral, u.DailyCount, u.DailyLimit, u.Remaining)
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", models.QuotaPro, u.DailyProCount, u.ProLimit, u.RemainingPro)
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", models.QuotaSpecialAgent, u.SpecialAgentCount, u.SpecialAgentLimit, u.RemainingSpecialAgent)
			return w.Flush()
		},
	}
	statusCmd.Flags().BoolVar(&authenticated, "authenticated", false, "caller is an authenticated user")

	for _, sub := range []*cobra.Command{checkCmd, incrementCmd, consumeCmd} {
		sub.Flags().StringVar(&class, "class", string(models.QuotaGeneral), "quota class: general, pro, special_agent")
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&userID, "user", "", "subject id")
	_ = cmd.MarkPersistentFlagRequired("user")
	cmd.AddCommand(checkCmd, incrementCmd, consumeCmd, statusCmd)
	return cmd
}

func printDecision(d quota.Decision) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tCLASS\tALLOWED\tCOUNT\tLIMIT\tWINDOW START")
	fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\t%s\n",
		d.SubjectID, d.Class, d.Allowed, d.Count, d.Limit, d.WindowStart.Format("2006-01-02 15:04:05"))
	_ = w.Flush()
}
