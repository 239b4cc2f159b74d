package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nexiloop/nexiloop/pkg/config"
	"github.com/nexiloop/nexiloop/pkg/models"
)

// lister is implemented by stores that can enumerate subjects.
type lister interface {
	List(ctx context.Context, limit int) ([]models.Subject, error)
}

func newSubjectCmd() *cobra.Command {
	var configPath, userID string
	var member bool
	var limit int

	cmd := &cobra.Command{
		Use:   "subject",
		Short: "Manage subject quota records",
	}

	createCmd := &cobra.Command{
		Use:   "create-guest",
		Short: "Create a subject record (a new guest id is generated when --user is empty)",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := userID
			if id == "" {
				id = uuid.NewString()
			}
			ctx := context.Background()
			_, ledger, closeStore, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			sub, created, err := ledger.Register(ctx, id, !member)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(os.Stderr, "subject %s already exists\n", id)
			}
			return printJSON(sub)
		},
	}
	createCmd.Flags().BoolVar(&member, "authenticated", false, "create an authenticated (non-anonymous) record")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored record of a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			ctx := context.Background()
			_, ledger, closeStore, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			sub, err := ledger.Subject(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(sub)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recently active subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			l, ok := st.(lister)
			if !ok {
				return fmt.Errorf("store driver %q cannot list subjects", cfg.Store.Driver)
			}
			subs, err := l.List(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tANONYMOUS\tGENERAL\tPRO\tSPECIAL AGENT\tLAST ACTIVE")
			for _, s := range subs {
				lastActive := "-"
				if !s.LastActiveAt.IsZero() {
					lastActive = s.LastActiveAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\t%s\n", s.ID, s.Anonymous,
					s.Counter(models.QuotaGeneral).Count,
					s.Counter(models.QuotaPro).Count,
					s.Counter(models.QuotaSpecialAgent).Count,
					lastActive)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum number of subjects (0 for all)")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&userID, "user", "", "subject id")
	cmd.AddCommand(createCmd, showCmd, listCmd)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
