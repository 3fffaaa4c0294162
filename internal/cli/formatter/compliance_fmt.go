package formatter

import (
	"fmt"
	"strings"

	"github.com/alexanderramin/dayplan/internal/compliance"
	"github.com/alexanderramin/dayplan/internal/domain"
)

// FormatCompliance renders a break compliance report. state is empty when
// the monitor has not evaluated the plan.
func FormatCompliance(planID string, r domain.ComplianceReport, state compliance.State) string {
	var b strings.Builder

	verdict := StyleGreen.Render("● COMPLIANT")
	if !r.Compliant {
		verdict = StyleRed.Render("● NON-COMPLIANT")
	}
	fmt.Fprintf(&b, "%s  %s\n", Bold(planID), verdict)
	if state != "" {
		fmt.Fprintf(&b, "%s %s\n", Dim("monitor:"), ComplianceIndicator(state))
	}
	b.WriteString("\n")

	rows := [][]string{
		{"Work time", Hours(r.TotalWorkHours)},
		{"Breaks taken", fmt.Sprintf("%d (%s)", r.BreaksTaken, Minutes(r.BreakMinutes))},
		{"Last break", Clock(r.LastBreakAt)},
		{"Since last break", Hours(r.HoursSinceBreak)},
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "  %-18s %s\n", Dim(row[0]), row[1])
	}
	return RenderBox("Break Compliance", b.String())
}
