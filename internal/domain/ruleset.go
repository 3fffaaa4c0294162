package domain

import "time"

// LaborRuleSet is the immutable break configuration for one jurisdiction.
type LaborRuleSet struct {
	Jurisdiction            string  `json:"jurisdiction"`
	RestBreakIntervalHours  float64 `json:"rest_break_interval_hours"`
	RestBreakDurationMin    int     `json:"rest_break_duration_min"`
	MealBreakThresholdHours float64 `json:"meal_break_threshold_hours"`
	MealBreakDurationMin    int     `json:"meal_break_duration_min"`
	MealBreakDeadlineHours  float64 `json:"meal_break_deadline_hours"`
	// ViolationGraceMin is how long past the rest interval a warning may
	// stand before it escalates to a violation.
	ViolationGraceMin int `json:"violation_grace_min"`
}

// RestInterval returns the rest-break interval as a duration.
func (r LaborRuleSet) RestInterval() time.Duration {
	return hoursToDuration(r.RestBreakIntervalHours)
}

// RestDuration returns the rest-break length.
func (r LaborRuleSet) RestDuration() time.Duration {
	return time.Duration(r.RestBreakDurationMin) * time.Minute
}

// MealThreshold returns the shift length above which a meal is owed.
func (r LaborRuleSet) MealThreshold() time.Duration {
	return hoursToDuration(r.MealBreakThresholdHours)
}

// MealDuration returns the meal-break length.
func (r LaborRuleSet) MealDuration() time.Duration {
	return time.Duration(r.MealBreakDurationMin) * time.Minute
}

// MealDeadline returns the latest offset from shift start at which the meal
// break may begin.
func (r LaborRuleSet) MealDeadline() time.Duration {
	return hoursToDuration(r.MealBreakDeadlineHours)
}

// Grace returns the violation grace margin.
func (r LaborRuleSet) Grace() time.Duration {
	return time.Duration(r.ViolationGraceMin) * time.Minute
}

// SmallestThreshold is the shortest shift that can owe any break.
func (r LaborRuleSet) SmallestThreshold() time.Duration {
	rest, meal := r.RestInterval(), r.MealThreshold()
	if rest < meal {
		return rest
	}
	return meal
}

// Validate rejects rule sets that cannot drive the rule engine.
func (r LaborRuleSet) Validate() error {
	if r.Jurisdiction == "" {
		return NewValidationError(CodeMissingField, "jurisdiction", "rule set jurisdiction is required")
	}
	if r.RestBreakIntervalHours <= 0 || r.RestBreakDurationMin <= 0 {
		return NewValidationError(CodeMalformedSchedule, "restBreak", "rest break interval and duration must be positive")
	}
	if r.MealBreakThresholdHours <= 0 || r.MealBreakDurationMin <= 0 || r.MealBreakDeadlineHours <= 0 {
		return NewValidationError(CodeMalformedSchedule, "mealBreak", "meal break threshold, duration and deadline must be positive")
	}
	if r.ViolationGraceMin < 0 {
		return NewValidationError(CodeMalformedSchedule, "violationGraceMin", "grace must not be negative")
	}
	return nil
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
