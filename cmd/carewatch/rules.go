package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehr/carewatch/internal/config"
	"github.com/ehr/carewatch/internal/domain/threshold"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage threshold rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Upsert the rules of a YAML file into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := threshold.LoadFile(args[0])
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, _ *config.Config, st *store) error {
				n, err := importRules(ctx, st.rules, rules)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rule(s) from %s.\n", n, args[0])
				return nil
			})
		},
	})

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored rules as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, _ := cmd.Flags().GetBool("defaults")
			if defaults {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				rules, err := threshold.LoadFile(cfg.ThresholdsFile)
				if err != nil {
					return err
				}
				return printRules(cmd, rules)
			}
			return withStore(func(ctx context.Context, _ *config.Config, st *store) error {
				rules, err := st.rules.List(ctx)
				if err != nil {
					return err
				}
				return printRules(cmd, rules)
			})
		},
	}
	show.Flags().Bool("defaults", false, "Show THRESHOLDS_FILE instead of the database")
	cmd.AddCommand(show)
	return cmd
}

func importRules(ctx context.Context, repo threshold.Repository, rules []*threshold.Rule) (int, error) {
	for i, r := range rules {
		if err := repo.Upsert(ctx, r); err != nil {
			return i, fmt.Errorf("upsert %s: %w", r, err)
		}
	}
	return len(rules), nil
}

func printRules(cmd *cobra.Command, rules []*threshold.Rule) error {
	out, err := threshold.MarshalYAML(rules)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
