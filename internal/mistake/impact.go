package mistake

import "math"

// Clamp bounds a score to [0, 100].
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func clampDelta(v float64) float64 {
	return math.Max(-100, math.Min(100, v))
}

// AssessImpact derives the impact of a mistake from its severity.
func AssessImpact(severity Severity) ImpactAssessment {
	m := severity.Multiplier()
	return ImpactAssessment{
		DevelopmentTime: m * 0.5,
		DeploymentDelay: m * 0.25,
		UserImpact:      userImpactFor(severity),
		BusinessCost:    m * 50,
		TechnicalDebt:   Clamp(m * 5),
		TeamMorale:      clampDelta(-m * 2),
		LearningValue:   Clamp(20 + m*10),
	}
}

func userImpactFor(severity Severity) UserImpact {
	switch severity {
	case SeverityLow:
		return UserImpactNone
	case SeverityHigh:
		return UserImpactModerate
	case SeverityCritical:
		return UserImpactSevere
	default:
		return UserImpactMinor
	}
}

// Accumulate merges the impact of a recurrence into an existing assessment.
// Time and cost add up; tiers and scores keep the worse value.
func (a *ImpactAssessment) Accumulate(next ImpactAssessment) {
	a.DevelopmentTime += next.DevelopmentTime
	a.DeploymentDelay += next.DeploymentDelay
	a.BusinessCost += next.BusinessCost
	a.TechnicalDebt = Clamp(math.Max(a.TechnicalDebt, next.TechnicalDebt))
	a.TeamMorale = clampDelta(math.Min(a.TeamMorale, next.TeamMorale))
	a.LearningValue = Clamp(math.Max(a.LearningValue, next.LearningValue))
	if userImpactRank(next.UserImpact) > userImpactRank(a.UserImpact) {
		a.UserImpact = next.UserImpact
	}
}

func userImpactRank(u UserImpact) int {
	switch u {
	case UserImpactMinor:
		return 1
	case UserImpactModerate:
		return 2
	case UserImpactSevere:
		return 3
	default:
		return 0
	}
}
