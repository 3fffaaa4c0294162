package formatter

import (
	"fmt"
	"strings"

	"github.com/alexanderramin/dayplan/internal/compliance"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

// Gruvbox-inspired color palette.
var (
	ColorGreen  = lipgloss.Color("#8ec07c")
	ColorYellow = lipgloss.Color("#fabd2f")
	ColorRed    = lipgloss.Color("#fb4934")
	ColorBlue   = lipgloss.Color("#83a598")
	ColorPurple = lipgloss.Color("#d3869b")
	ColorDim    = lipgloss.Color("#928374")
	ColorFg     = lipgloss.Color("#ebdbb2")
	ColorHeader = lipgloss.Color("#fe8019")
)

var (
	StyleGreen  = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleYellow = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleRed    = lipgloss.NewStyle().Foreground(ColorRed)
	StyleBlue   = lipgloss.NewStyle().Foreground(ColorBlue)
	StylePurple = lipgloss.NewStyle().Foreground(ColorPurple)
	StyleDim    = lipgloss.NewStyle().Foreground(ColorDim)
	StyleFg     = lipgloss.NewStyle().Foreground(ColorFg)
	StyleHeader = lipgloss.NewStyle().Foreground(ColorHeader).Bold(true)
	StyleBold   = lipgloss.NewStyle().Foreground(ColorFg).Bold(true)
)

// PlanStatusPill returns a colored indicator such as "● In progress".
func PlanStatusPill(status domain.DayPlanStatus) string {
	switch status {
	case domain.PlanDraft:
		return StyleDim.Render("○ Draft")
	case domain.PlanPublished:
		return StyleBlue.Render("◆ Published")
	case domain.PlanInProgress:
		return StyleGreen.Render("● In progress")
	case domain.PlanCompleted:
		return StyleDim.Render("✔ Completed")
	default:
		return StyleDim.Render(string(status))
	}
}

func EventStatusPill(status domain.EventStatus) string {
	switch status {
	case domain.EventPending:
		return StyleFg.Render("○ pending")
	case domain.EventInProgress:
		return StyleYellow.Render("● in progress")
	case domain.EventCompleted:
		return StyleGreen.Render("✔ completed")
	case domain.EventCancelled:
		return StyleDim.Render("✖ cancelled")
	default:
		return StyleDim.Render(string(status))
	}
}

// EventTypeLabel renders jobs plainly and breaks with their kind.
func EventTypeLabel(e *domain.ScheduleEvent) string {
	if !e.IsBreak() {
		return StyleFg.Render("job")
	}
	kind := string(e.Metadata.BreakKind)
	if kind == "" {
		kind = string(domain.BreakRest)
	}
	label := kind + " break"
	if e.Metadata.Required {
		label += "*"
	}
	return StylePurple.Render(label)
}

func ComplianceIndicator(state compliance.State) string {
	switch state {
	case compliance.StateViolationIssued:
		return StyleRed.Render("● VIOLATION")
	case compliance.StateWarningIssued:
		return StyleYellow.Render("● BREAK DUE")
	default:
		return StyleGreen.Render("● COMPLIANT")
	}
}

func SyncStateColor(state domain.SyncOpState) lipgloss.Style {
	switch state {
	case domain.SyncOpFailed:
		return StyleRed
	case domain.SyncOpReview:
		return StyleYellow
	default:
		return StyleFg
	}
}

// Header renders a section header with the orange header style and an underline.
func Header(text string) string {
	upper := strings.ToUpper(text)
	line := strings.Repeat("─", len(upper))
	return fmt.Sprintf("%s\n%s", StyleHeader.Render(upper), StyleDim.Render(line))
}

func Dim(text string) string {
	return StyleDim.Render(text)
}

func Bold(text string) string {
	return StyleBold.Render(text)
}
