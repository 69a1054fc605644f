package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"creditline/internal/app"
	"creditline/internal/domain"
	"creditline/internal/engine"
	"creditline/internal/repo"
	"creditline/internal/workflow"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Report verification workflows",
	}
	wf.AddCommand(workflowSubmitCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowAdvanceCmd())
	wf.AddCommand(workflowAssignCmd())
	wf.AddCommand(workflowAttachCmd())
	return wf
}

func workflowSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var reportPath string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a monitoring report",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readReport(reportPath)
			if err != nil {
				return err
			}
			opts.Report = raw
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wf, err := a.Engine.SubmitReport(ctx, currentActor(), opts)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ReportPeriod, "period", "", "report period, e.g. \"Q1 2024\"")
	cmd.Flags().StringVar(&reportPath, "report", "", "report JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkflows(ctx, currentActor(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Project", "Period", "Status", "Step", "Version"})
				for _, wf := range items {
					step := ""
					if wf.CurrentStep < len(wf.Steps) {
						step = wf.Steps[wf.CurrentStep].ID
					}
					tw.AppendRow(table.Row{wf.ID, wf.ProjectID, wf.ReportPeriod, wf.Status, step, wf.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wf, err := a.Engine.GetWorkflow(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
}

func workflowAdvanceCmd() *cobra.Command {
	var reject, wait bool
	var expected int64
	cmd := &cobra.Command{
		Use:   "advance <workflow-id> <step-id>",
		Short: "Complete (or --reject) the current step",
		Long:  "Completing credit-calculation mints the latest calculation's net credits. Use --wait to block until the mint resolves.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := workflow.OutcomeComplete
			if reject {
				outcome = workflow.OutcomeReject
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wf, err := a.Engine.AdvanceStep(ctx, currentActor(), engine.AdvanceOptions{
					WorkflowID:      args[0],
					StepID:          args[1],
					Outcome:         outcome,
					ExpectedVersion: expected,
				})
				if err != nil {
					return err
				}
				if wait && wf.TransactionHash != nil {
					tx, err := waitForTransaction(ctx, a, *wf.TransactionHash)
					if err != nil {
						return err
					}
					fmt.Printf("mint %s %s\n", tx.Hash, tx.Status)
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the step")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the mint to resolve")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail with a conflict unless the workflow is at this version")
	return cmd
}

func workflowAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <workflow-id> <step-id> <assignee>",
		Short: "Assign a step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wf, err := a.Engine.AssignStep(ctx, currentActor(), args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
}

func workflowAttachCmd() *cobra.Command {
	var reportPath string
	cmd := &cobra.Command{
		Use:   "attach <workflow-id>",
		Short: "Store the monitoring report of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readReport(reportPath)
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				return fmt.Errorf("--report required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wf, err := a.Engine.AttachReport(ctx, currentActor(), args[0], raw)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().StringVar(&reportPath, "report", "", "report JSON file (- for stdin)")
	return cmd
}

func creditsCmd() *cobra.Command {
	c := &cobra.Command{Use: "credits", Short: "Credit estimation"}
	c.AddCommand(&cobra.Command{
		Use:   "estimate <workflow-id>",
		Short: "Estimate credits for a verified workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Estimate(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Calculation %s (%s)\n", res.ID, res.Methodology)
				fmt.Printf("  gross: %s\n  net:   %s\n  confidence: %d%%\n", res.GrossCredits, res.NetCredits, res.Confidence)
				for _, r := range res.Reasoning {
					fmt.Printf("  - %s\n", r)
				}
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "history <workflow-id>",
		Short: "List calculations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Calculations(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Calculated", "Gross", "Net", "Confidence", "Methodology"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.CalculatedAt, r.GrossCredits, r.NetCredits, r.Confidence, r.Methodology})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func printWorkflow(wf domain.ReportWorkflow) error {
	if viper.GetBool("json") {
		return printJSON(wf)
	}
	fmt.Printf("Workflow %s  %s %s  [%s] v%d\n", wf.ID, wf.ProjectID, wf.ReportPeriod, wf.Status, wf.Version)
	if wf.IPFSHash != nil {
		fmt.Printf("  report: %s\n", *wf.IPFSHash)
	}
	if wf.TransactionHash != nil {
		fmt.Printf("  mint:   %s\n", *wf.TransactionHash)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"", "Step", "Status", "Assignee", "Completed"})
	for i, s := range wf.Steps {
		marker := ""
		if i == wf.CurrentStep && !terminal(wf.Status) {
			marker = "→"
		}
		tw.AppendRow(table.Row{marker, s.ID, s.Status, deref(s.Assignee), deref(s.CompletedAt)})
	}
	tw.Render()
	return nil
}

func terminal(s domain.WorkflowStatus) bool {
	return s == domain.WorkflowRejected || s == domain.WorkflowCreditsMinted
}
