// Package matcher implements the eligibility scoring engine that decides
// which artisans qualify for which scheme. Scoring is a pure function:
// identical inputs always yield an identical MatchResult. The only time
// dependence is age computation, which uses a caller-supplied as-of date.
package matcher

import (
	"strings"
	"time"

	"schemealert/internal/types"
)

// Deduction weights for the strict eligibility criteria. Both MatchScore and
// EligibilityMatch subtract these; bonuses apply to MatchScore only.
const (
	deductBusinessType = 30
	deductState        = 25
	deductAge          = 15
	deductIncome       = 20
)

// Bonus weights. Not counted toward EligibilityMatch.
const (
	bonusSuccessRate    = 5
	bonusOnlineApply    = 3
	bonusFastProcessing = 2
	bonusDistrictMatch  = 5
)

// Bonus qualification cutoffs.
const (
	successRateCutoff    = 80.0
	fastProcessingCutoff = 30 // days
)

// Missing-requirement labels surfaced to operators and downstream messaging.
const (
	MissingBusinessType = "Business type mismatch"
	MissingState        = "Location outside supported states"
	MissingAge          = "Age outside eligible range"
	MissingIncome       = "Income outside eligible range"
)

// Matcher scores (user, scheme) pairs against eligibility criteria.
// The qualifying score is policy configuration, not business meaning.
type Matcher struct {
	qualifyingScore int
}

// New creates a Matcher with the given qualification threshold.
func New(qualifyingScore int) *Matcher {
	return &Matcher{qualifyingScore: qualifyingScore}
}

// QualifyingScore returns the configured notification threshold.
func (m *Matcher) QualifyingScore() int {
	return m.qualifyingScore
}

// Qualifies reports whether a result's MatchScore meets the threshold.
func (m *Matcher) Qualifies(result types.MatchResult) bool {
	return result.MatchScore >= m.qualifyingScore
}

// Score evaluates one user against one scheme as of the given date.
//
// Both scores start at 100. Each unmet strict criterion subtracts a fixed
// weight from both; bonuses then add to MatchScore only. A district-level
// criterion applies only when the state matched. Both scores are clamped to
// [0,100] at the end.
func (m *Matcher) Score(user types.UserProfile, scheme types.Scheme, asOf time.Time) types.MatchResult {
	result := types.MatchResult{
		UserID:           user.ID,
		SchemeID:         scheme.ID,
		MatchScore:       100,
		EligibilityMatch: 100,
	}

	criteria := scheme.Criteria

	stateMatched := true
	if len(criteria.States) > 0 && !containsFold(criteria.States, user.State) {
		stateMatched = false
	}

	if len(criteria.BusinessTypes) > 0 {
		if containsFold(criteria.BusinessTypes, user.BusinessType) {
			result.Reasons = append(result.Reasons, "Business type matches")
		} else {
			result.MatchScore -= deductBusinessType
			result.EligibilityMatch -= deductBusinessType
			result.MissingRequirements = append(result.MissingRequirements, MissingBusinessType)
		}
	}

	if len(criteria.States) > 0 {
		if stateMatched {
			result.Reasons = append(result.Reasons, "State matches")
		} else {
			result.MatchScore -= deductState
			result.EligibilityMatch -= deductState
			result.MissingRequirements = append(result.MissingRequirements, MissingState)
		}
	}

	if criteria.Age != nil {
		age := user.Age(asOf)
		if ageWithin(age, criteria.Age) {
			result.Reasons = append(result.Reasons, "Age within eligible range")
		} else {
			result.MatchScore -= deductAge
			result.EligibilityMatch -= deductAge
			result.MissingRequirements = append(result.MissingRequirements, MissingAge)
		}
	}

	if criteria.Income != nil {
		if incomeWithin(user.MonthlyIncome, criteria.Income) {
			result.Reasons = append(result.Reasons, "Income within eligible range")
		} else {
			result.MatchScore -= deductIncome
			result.EligibilityMatch -= deductIncome
			result.MissingRequirements = append(result.MissingRequirements, MissingIncome)
		}
	}

	if scheme.SuccessRate > successRateCutoff {
		result.MatchScore += bonusSuccessRate
		result.Reasons = append(result.Reasons, "High historical success rate")
	}
	if scheme.OnlineApplication {
		result.MatchScore += bonusOnlineApply
		result.Reasons = append(result.Reasons, "Online application available")
	}
	if scheme.AvgProcessingDays > 0 && scheme.AvgProcessingDays <= fastProcessingCutoff {
		result.MatchScore += bonusFastProcessing
		result.Reasons = append(result.Reasons, "Fast processing time")
	}

	// District refinement only counts when the state already matched.
	if stateMatched && len(criteria.Districts) > 0 && containsFold(criteria.Districts, user.District) {
		result.MatchScore += bonusDistrictMatch
		result.Reasons = append(result.Reasons, "District-level match")
	}

	result.MatchScore = clamp(result.MatchScore)
	result.EligibilityMatch = clamp(result.EligibilityMatch)

	return result
}

// BuildCandidateFilter derives the coarse user pre-filter from a scheme's
// criteria. Only business type and location narrow the candidate set; age
// and income are evaluated during fine-grained scoring.
func BuildCandidateFilter(scheme types.Scheme, excludeApplied bool) types.CandidateFilter {
	return types.CandidateFilter{
		BusinessTypes:  scheme.Criteria.BusinessTypes,
		States:         scheme.Criteria.States,
		Districts:      scheme.Criteria.Districts,
		ExcludeApplied: excludeApplied,
		SchemeID:       scheme.ID,
	}
}

func ageWithin(age int, r *types.AgeRange) bool {
	if r.Min > 0 && age < r.Min {
		return false
	}
	if r.Max > 0 && age > r.Max {
		return false
	}
	return true
}

func incomeWithin(income float64, r *types.IncomeRange) bool {
	if r.Min > 0 && income < r.Min {
		return false
	}
	if r.Max > 0 && income > r.Max {
		return false
	}
	return true
}

// containsFold matches case-insensitively: scheme criteria and profile
// fields come from separate upstream systems with inconsistent casing.
func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
