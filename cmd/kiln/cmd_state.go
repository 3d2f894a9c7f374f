package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kiln/pkg/state"
)

var knownCategories = []state.Category{ //nolint:gochecknoglobals // read-only table
	state.CategoryPlan,
	state.CategoryBuild,
	state.CategoryReview,
	state.CategoryCIFix,
	state.CategoryChangeRequest,
	state.CategoryRebase,
	state.CategoryRelationships,
}

func parseCategory(s string) (state.Category, error) {
	c := state.Category(s)
	if !slices.Contains(knownCategories, c) {
		names := make([]string, len(knownCategories))
		for i, k := range knownCategories {
			names[i] = string(k)
		}
		return "", fmt.Errorf("unknown category %q (want one of %s)", s, strings.Join(names, ", "))
	}
	return c, nil
}

func parseNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid issue or pull request number %q", s)
	}
	return n, nil
}

// newStateCmd creates the "kiln state" command group.
func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and reset per-item progress records",
	}
	cmd.AddCommand(newStateShowCmd(), newStateListCmd(), newStateResetCmd())
	return cmd
}

func newStateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <number>",
		Short: "Print every record stored for an issue or pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			docs, err := store.Entity(ctx, n)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no records for #%d\n", n)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
}

func newStateListCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List numbers that have a record in a category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseCategory(category)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			nums, err := store.Numbers(ctx, c)
			if err != nil {
				return err
			}
			for _, n := range nums {
				fmt.Fprintf(cmd.OutOrStdout(), "#%d\n", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", string(state.CategoryBuild), "record category")
	return cmd
}

func newStateResetCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "reset <number>",
		Short: "Delete records so an item is processed again",
		Long:  "Deletes the record in --category, or every record for the number when\n--category is omitted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			var c state.Category
			if category != "" {
				if c, err = parseCategory(category); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if c == "" {
				if err := store.Forget(ctx, n); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset all records for #%d\n", n)
			} else {
				if err := store.Reset(ctx, n, c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s for #%d\n", c, n)
			}
			_ = store.LogEvent(ctx, "reset", "cli", n, map[string]string{"category": string(c)})
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "only reset this category")
	return cmd
}
