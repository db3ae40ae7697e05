package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bidline/internal/app"
	"bidline/internal/domain"
	"bidline/internal/repo"
)

func conflictCmd() *cobra.Command {
	c := &cobra.Command{Use: "conflict", Short: "Review collusion checks between same-name projects"}
	c.AddCommand(conflictListCmd())
	c.AddCommand(conflictShowCmd())
	c.AddCommand(conflictScanCmd())
	c.AddCommand(conflictResolveCmd())
	return c
}

func conflictListCmd() *cobra.Command {
	var f repo.ConflictFilter
	var resolved string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflict checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolved != "" {
				v, err := strconv.ParseBool(resolved)
				if err != nil {
					return fmt.Errorf("--resolved must be true or false")
				}
				f.Resolved = &v
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListConflictChecks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Name", "Company", "Siblings", "Resolved", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ProjectID, c.ProjectName, c.Company, len(c.Entries), c.Resolved, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&resolved, "resolved", "", "true or false")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func conflictShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conflict check and its matched fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Repo.GetConflictCheck(ctx, args[0])
				if err != nil {
					return err
				}
				return printCheck(&c)
			})
		},
	}
}

func conflictScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <project-id>",
		Short: "Scan a project against its same-name siblings now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Scan(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if c == nil {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"check": nil})
					}
					fmt.Println("no shared identifying fields")
					return nil
				}
				return printCheck(c)
			})
		},
	}
}

func conflictResolveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Close a conflict check with review notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.ResolveConflict(ctx, args[0], actorID(), notes)
				if err != nil {
					return err
				}
				return printCheck(&c)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func printCheck(c *domain.ConflictCheck) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("Check %s for %s (%s)\n", c.ID, c.ProjectName, c.ProjectID)
	if c.Resolved {
		fmt.Printf("Resolved by %s at %s: %s\n", c.ResolvedBy, deref(c.ResolvedAt), c.ResolutionNotes)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Sibling", "Company", "Shared fields"})
	for _, e := range c.Entries {
		tw.AppendRow(table.Row{e.SiblingID, e.SiblingCompany, strings.Join(e.Fields, ", ")})
	}
	tw.Render()
	return nil
}
