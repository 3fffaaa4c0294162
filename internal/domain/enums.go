package domain

// MaxJobsPerPlan is the ceiling on non-cancelled job events in one day plan.
const MaxJobsPerPlan = 6

// DateLayout is the calendar-date layout used for plan dates.
const DateLayout = "2006-01-02"

type DayPlanStatus string

const (
	PlanDraft      DayPlanStatus = "draft"
	PlanPublished  DayPlanStatus = "published"
	PlanInProgress DayPlanStatus = "in_progress"
	PlanCompleted  DayPlanStatus = "completed"
)

// planStatusRank orders plan statuses; plans only move forward.
var planStatusRank = map[DayPlanStatus]int{
	PlanDraft:      0,
	PlanPublished:  1,
	PlanInProgress: 2,
	PlanCompleted:  3,
}

type EventType string

const (
	EventJob   EventType = "job"
	EventBreak EventType = "break"
)

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventInProgress EventStatus = "in_progress"
	EventCompleted  EventStatus = "completed"
	EventCancelled  EventStatus = "cancelled"
)

// ValidEventStatuses is the canonical set of accepted event status strings.
var ValidEventStatuses = map[string]bool{
	"pending": true, "in_progress": true, "completed": true, "cancelled": true,
}

type BreakKind string

const (
	BreakRest BreakKind = "rest"
	BreakMeal BreakKind = "meal"
)

// Role is the authority level of an actor editing schedule data.
type Role string

const (
	RoleTechnician Role = "technician"
	RoleDispatcher Role = "dispatcher"
	RoleSupervisor Role = "supervisor"
)

// Authority ranks roles for conflict resolution. Unknown roles rank lowest.
func (r Role) Authority() int {
	switch r {
	case RoleSupervisor:
		return 3
	case RoleDispatcher:
		return 2
	case RoleTechnician:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Authority() > 0
}

type EntityKind string

const (
	EntityDayPlan       EntityKind = "day_plan"
	EntityScheduleEvent EntityKind = "schedule_event"
)

type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)
