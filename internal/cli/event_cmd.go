package cli

import (
	"fmt"
	"time"

	"github.com/alexanderramin/dayplan/internal/cli/formatter"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/service"
	"github.com/spf13/cobra"
)

func newEventCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Schedule events and record their progress",
	}
	cmd.AddCommand(newEventAddCmd(app), newEventStatusCmd(app))
	return cmd
}

func newEventAddCmd(app *App) *cobra.Command {
	var (
		eventType, start, jobID, address, accessCode, notes, breakKind string
		duration, seq                                                  int
		required, autoBreaks                                           bool
	)

	cmd := &cobra.Command{
		Use:   "add <plan-id>",
		Short: "Add a job or break to a day plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := app.Plans.GetDayPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			at, err := parseAt(view.Plan.PlanDate, start)
			if err != nil {
				return err
			}

			e := &domain.ScheduleEvent{
				Type:                 domain.EventType(eventType),
				SequenceOrder:        seq,
				ScheduledStart:       at,
				ScheduledDurationMin: duration,
				Notes:                notes,
				Metadata: domain.EventMetadata{
					Required:  required,
					BreakKind: domain.BreakKind(breakKind),
				},
			}
			if jobID != "" {
				e.JobID = &jobID
			}
			if address != "" || accessCode != "" {
				e.Location = &domain.Location{Address: address, AccessCode: accessCode}
			}

			res, err := app.Plans.ScheduleEvent(cmd.Context(), app.Actor, service.ScheduleEventRequest{
				DayPlanID:          args[0],
				Event:              e,
				AutoScheduleBreaks: autoBreaks,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatEventResult(res))
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", string(domain.EventJob), "Event type: job or break")
	cmd.Flags().StringVar(&start, "start", "", "Scheduled start (HH:MM on the plan date, or RFC 3339)")
	cmd.Flags().IntVar(&duration, "duration", 0, "Scheduled duration in minutes")
	cmd.Flags().IntVar(&seq, "seq", 0, "Explicit sequence position (default: chronological)")
	cmd.Flags().StringVar(&jobID, "job-id", "", "External job reference")
	cmd.Flags().StringVar(&address, "address", "", "Site address")
	cmd.Flags().StringVar(&accessCode, "access-code", "", "Site access code")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-text notes")
	cmd.Flags().StringVar(&breakKind, "break-kind", "", "Break kind: rest or meal")
	cmd.Flags().BoolVar(&required, "required", false, "Mark the event as mandated")
	cmd.Flags().BoolVar(&autoBreaks, "auto-breaks", false, "Re-run the labor rules after placing the event")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("duration")

	return cmd
}

func newEventStatusCmd(app *App) *cobra.Command {
	var approver, reason, at string

	cmd := &cobra.Command{
		Use:   "status <event-id> <pending|in_progress|completed|cancelled>",
		Short: "Record an event status change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := domain.StatusUpdate{Status: domain.EventStatus(args[1])}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at %q: use RFC 3339", at)
				}
				upd.At = t
			}
			if approver != "" || reason != "" {
				upd.SupervisorOverride = &domain.SupervisorOverride{ApproverID: approver, Reason: reason}
			}

			res, err := app.Plans.UpdateEventStatus(cmd.Context(), app.Actor, args[0], upd)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatEventResult(res))
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "override-by", "", "Supervisor approving an override")
	cmd.Flags().StringVar(&reason, "reason", "", "Override reason")
	cmd.Flags().StringVar(&at, "at", "", "When the change happened (RFC 3339, default now)")

	return cmd
}
