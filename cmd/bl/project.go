package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bidline/internal/app"
	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage bidding projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectTakeCmd())
	prj.AddCommand(projectCancelCmd())
	prj.AddCommand(projectSubmitCmd())
	prj.AddCommand(projectStatsCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.CreateProjectOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ActorID = actorID()
				p, err := a.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "tender name")
	cmd.Flags().StringVar(&opts.Company, "company", "", "bidding company")
	cmd.Flags().StringVar(&opts.RegistrationDeadline, "registration-deadline", "", "RFC3339 registration deadline")
	cmd.Flags().StringVar(&opts.BiddingDeadline, "bidding-deadline", "", "RFC3339 bidding deadline")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			if status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.FindProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Status", "Operator", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Company, p.Status, deref(p.AssignedOperator), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "exact name filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedOperator, "operator", "", "assigned operator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one project with its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func projectTakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "take <id>",
		Short: "Take a pending project as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Take(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func projectCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Release a project still in registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Cancel(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

// stageTargets maps the CLI stage name to the status the submission moves to.
var stageTargets = map[string]domain.Status{
	"registration": domain.StatusDeposit,
	"deposit":      domain.StatusPreparation,
	"preparation":  domain.StatusBidding,
	"completion":   domain.StatusCompleted,
}

func decodeStagePayload(stage string, r io.Reader) (domain.StagePayload, error) {
	var payload domain.StagePayload
	switch stage {
	case "registration":
		payload = &domain.RegistrationInfo{}
	case "deposit":
		payload = &domain.DepositInfo{}
	case "preparation":
		payload = &domain.PreparationInfo{}
	case "completion":
		payload = &domain.BiddingInfo{}
	default:
		return nil, fmt.Errorf("unknown stage %q (registration, deposit, preparation, completion)", stage)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", stage, err)
	}
	return payload, nil
}

func projectSubmitCmd() *cobra.Command {
	var stage, file, data string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit the record for the current stage",
		Long: `Submit reads a JSON stage record from --data, --file or stdin ("-").
Stages: registration, deposit, preparation, completion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, ok := stageTargets[stage]
			if !ok {
				return fmt.Errorf("unknown stage %q (registration, deposit, preparation, completion)", stage)
			}
			var src io.Reader
			switch {
			case data != "":
				src = strings.NewReader(data)
			case file == "-":
				src = cmd.InOrStdin()
			case file != "":
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			default:
				return fmt.Errorf("--data or --file required")
			}
			payload, err := decodeStagePayload(stage, src)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Submit(ctx, engine.SubmitRequest{
					ProjectID: args[0],
					Target:    target,
					ActorID:   actorID(),
					Payload:   payload,
				})
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage being submitted")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the stage record (- for stdin)")
	cmd.Flags().StringVar(&data, "data", "", "inline JSON stage record")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func projectStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count projects by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Repo.CountProjectsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Projects"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, counts[string(s)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", p.ID},
		{"Name", p.Name},
		{"Company", p.Company},
		{"Status", p.Status},
		{"Operator", deref(p.AssignedOperator)},
		{"Registration deadline", deref(p.RegistrationDeadline)},
		{"Bidding deadline", deref(p.BiddingDeadline)},
		{"Registered at", deref(p.RegistrationAt)},
		{"Deposit at", deref(p.DepositAt)},
		{"Prepared at", deref(p.PreparationAt)},
		{"Bid at", deref(p.BiddingAt)},
		{"Updated", p.UpdatedAt},
	})
	tw.Render()
	return nil
}
