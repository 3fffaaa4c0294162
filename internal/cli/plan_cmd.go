package cli

import (
	"fmt"
	"time"

	"github.com/alexanderramin/dayplan/internal/cli/formatter"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/service"
	"github.com/spf13/cobra"
)

func newPlanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and inspect day plans",
	}

	cmd.AddCommand(
		newPlanCreateCmd(app),
		newPlanShowCmd(app),
		newPlanListCmd(app),
		newPlanTransitionCmd(app, "publish", domain.PlanPublished, "Publish a draft plan to the technician"),
		newPlanTransitionCmd(app, "complete", domain.PlanCompleted, "Close a plan"),
	)

	return cmd
}

func newPlanCreateCmd(app *App) *cobra.Command {
	var (
		date, owner, supervisor, jurisdiction, route string
		distance                                     float64
		duration                                     int
		pinned, autoBreaks                           bool
		jobs                                         []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a day plan",
		Example: `  dayplan plan create --date 2026-03-09 --job 08:00=90 --job 10:00=60 --auto-breaks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now()
			if date != "" {
				var err error
				if day, err = domain.ParsePlanDate(date); err != nil {
					return err
				}
			}

			req := service.CreateDayPlanRequest{
				OwnerID:              owner,
				SupervisorID:         supervisor,
				Jurisdiction:         jurisdiction,
				PlanDate:             day,
				RouteSummary:         route,
				TotalDistanceKm:      distance,
				EstimatedDurationMin: duration,
				Pinned:               pinned,
				AutoScheduleBreaks:   autoBreaks,
			}
			for _, raw := range jobs {
				e, err := parseJobFlag(day, raw)
				if err != nil {
					return err
				}
				req.Events = append(req.Events, e)
			}

			view, err := app.Plans.CreateDayPlan(cmd.Context(), app.Actor, req)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatPlan(view))
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Plan date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&owner, "owner", "", "Technician the plan belongs to (default: acting user)")
	cmd.Flags().StringVar(&supervisor, "supervisor", "", "Supervisor to notify about violations")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "Labor rule jurisdiction")
	cmd.Flags().StringVar(&route, "route", "", "Route summary")
	cmd.Flags().Float64Var(&distance, "distance-km", 0, "Total route distance in km")
	cmd.Flags().IntVar(&duration, "estimated-min", 0, "Estimated working minutes")
	cmd.Flags().BoolVar(&pinned, "pin", false, "Keep the plan cached regardless of age")
	cmd.Flags().BoolVar(&autoBreaks, "auto-breaks", false, "Insert the breaks the labor rules require")
	cmd.Flags().StringArrayVar(&jobs, "job", nil, "Job as START=MINUTES, repeatable")

	return cmd
}

func newPlanShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a day plan and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := app.Plans.GetDayPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatPlan(view))
			return nil
		},
	}
}

func newPlanListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached day plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := app.Plans.ListDayPlans(cmd.Context(), app.Actor)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatPlanList(plans))
			return nil
		},
	}
}

func newPlanTransitionCmd(app *App, use string, status domain.DayPlanStatus, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := app.Plans.TransitionPlan(cmd.Context(), app.Actor, args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", plan.ID, formatter.PlanStatusPill(plan.Status))
			return nil
		},
	}
}
