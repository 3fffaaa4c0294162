package formatter

import (
	"fmt"
	"strings"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/service"
)

// FormatPlan renders a day plan and its events in sequence order.
func FormatPlan(view *service.PlanView) string {
	p := view.Plan
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s\n", Bold(p.DateKey()), PlanStatusPill(p.Status))
	fmt.Fprintf(&b, "%s %s\n", Dim("id:"), p.ID)
	fmt.Fprintf(&b, "%s %s", Dim("technician:"), p.UserID)
	if p.SupervisorID != "" {
		fmt.Fprintf(&b, "  %s %s", Dim("supervisor:"), p.SupervisorID)
	}
	b.WriteString("\n")
	if p.Jurisdiction != "" {
		fmt.Fprintf(&b, "%s %s\n", Dim("jurisdiction:"), p.Jurisdiction)
	}
	if p.RouteSummary != "" {
		fmt.Fprintf(&b, "%s %s (%.1f km, %s)\n", Dim("route:"), p.RouteSummary,
			p.TotalDistanceKm, Minutes(p.EstimatedDurationMin))
	}
	if domain.IsProvisionalID(p.ID) {
		b.WriteString(StyleYellow.Render("not yet synced") + "\n")
	}
	b.WriteString("\n")

	if len(view.Events) == 0 {
		b.WriteString(Dim("No events scheduled.") + "\n")
	} else {
		b.WriteString(FormatEvents(view.Events))
	}

	jobs := domain.CountActiveJobs(view.Events)
	fmt.Fprintf(&b, "\n%s\n", Dim(fmt.Sprintf("%d of %d jobs", jobs, domain.MaxJobsPerPlan)))

	writeInserted(&b, view.Inserted)
	writeStorageWarning(&b, view.StorageWarning)

	return RenderBox("Day Plan", b.String())
}

// FormatEvents renders the event table used by plan and event output.
func FormatEvents(events []*domain.ScheduleEvent) string {
	headers := []string{"#", "START", "DURATION", "TYPE", "STATUS", "ACTUAL", "ID"}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		start := e.ScheduledStart
		actual := Dim("--")
		if e.ActualStart != nil {
			actual = Clock(e.ActualStart) + "–" + Clock(e.ActualEnd)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", e.SequenceOrder),
			Clock(&start),
			Minutes(e.ScheduledDurationMin),
			EventTypeLabel(e),
			EventStatusPill(e.Status),
			actual,
			Dim(ShortID(e.ID)),
		})
	}
	return RenderTable(headers, rows)
}

// FormatEventResult summarises a single event mutation.
func FormatEventResult(res *service.EventResult) string {
	var b strings.Builder
	e := res.Event
	start := e.ScheduledStart
	fmt.Fprintf(&b, "%s %s at %s for %s  %s\n",
		EventTypeLabel(e), Dim(e.ID), Clock(&start), Minutes(e.ScheduledDurationMin), EventStatusPill(e.Status))
	if e.Metadata.VoiceInitiated {
		b.WriteString(Dim("started by voice request") + "\n")
	}
	if o := e.Metadata.SupervisorOverride; o != nil {
		fmt.Fprintf(&b, "%s %s: %s\n", StyleYellow.Render("override by"), o.ApproverID, o.Reason)
	}
	if o := e.Metadata.KitOverride; o != nil {
		fmt.Fprintf(&b, "%s %s: %s\n", StyleYellow.Render("kit override by"), o.ApproverID, o.Reason)
	}
	if res.Plan != nil {
		fmt.Fprintf(&b, "%s %s %s\n", Dim("plan"), res.Plan.ID, PlanStatusPill(res.Plan.Status))
	}
	writeInserted(&b, res.Inserted)
	writeStorageWarning(&b, res.StorageWarning)
	return b.String()
}

// FormatPlanList renders one row per cached plan.
func FormatPlanList(plans []*domain.DayPlan) string {
	if len(plans) == 0 {
		return Dim("No day plans cached.") + "\n"
	}
	headers := []string{"DATE", "STATUS", "TECHNICIAN", "JURISDICTION", "ID"}
	rows := make([][]string, 0, len(plans))
	for _, p := range plans {
		rows = append(rows, []string{
			Bold(p.DateKey()),
			PlanStatusPill(p.Status),
			p.UserID,
			p.Jurisdiction,
			Dim(p.ID),
		})
	}
	return RenderTable(headers, rows)
}

func writeInserted(b *strings.Builder, inserted []*domain.ScheduleEvent) {
	if len(inserted) == 0 {
		return
	}
	b.WriteString("\n" + StyleBlue.Render(fmt.Sprintf("%d break(s) scheduled by labor rules:", len(inserted))) + "\n")
	for _, e := range inserted {
		start := e.ScheduledStart
		fmt.Fprintf(b, "  %s at %s for %s\n", EventTypeLabel(e), Clock(&start), Minutes(e.ScheduledDurationMin))
	}
}

func writeStorageWarning(b *strings.Builder, w *domain.StorageBudgetExceededError) {
	if w == nil {
		return
	}
	b.WriteString("\n" + StyleYellow.Render(fmt.Sprintf("  WARNING: local storage at %.0f%% of budget", w.Percent)) + "\n")
}
