package measurement

import (
	"fmt"
	"math"
)

// Severity grades a validation issue. Only SeverityError issues affect the
// record status and quality tier.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one validation finding attached to a record.
type Issue struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Field, i.Message, i.Severity)
}

// Policy selects how a protocol derives the final status of a record.
type Policy int

const (
	// PolicyFramed marks a record Complete when it carries a subject and a
	// positive weight and Incomplete otherwise. A malformed subject id is
	// a warning.
	PolicyFramed Policy = iota
	// PolicyRequired treats a missing or malformed subject id and a
	// non-positive weight as errors.
	PolicyRequired
)

const (
	maxWeightKg   = 300.0
	minHeightCm   = 50.0
	maxHeightCm   = 250.0
	minAge        = 3
	maxAge        = 120
	maxBodyFatPct = 80.0

	scoredFields = 15
)

// Finalize derives BMI, validates the record, scores its completeness and
// quality and sets its status. Calling Finalize again has no effect.
func (r *Record) Finalize(policy Policy) {
	if r.finalized {
		return
	}

	r.deriveBMI()
	r.Issues = append(r.Issues, validateRanges(r)...)
	r.Issues = append(r.Issues, validateSubject(r, policy)...)
	r.Completeness = Completeness(r)
	r.Quality = Tier(r.Completeness, r.ErrorCount())
	r.Status = status(r, policy)
	r.finalized = true
}

func (r *Record) deriveBMI() {
	if r.BMI > 0 || r.WeightKg <= 0 || r.HeightCm <= 0 {
		return
	}
	m := r.HeightCm / 100
	r.BMI = math.Round(r.WeightKg/(m*m)*10) / 10
	r.AddNote("bmi derived from weight and height")
}

// ErrorCount returns the number of error-severity issues.
func (r *Record) ErrorCount() int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			n++
		}
	}
	return n
}

// HasErrors reports whether any error-severity issue is attached.
func (r *Record) HasErrors() bool {
	return r.ErrorCount() > 0
}

// Errors returns the error-severity issues.
func (r *Record) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

func validateRanges(r *Record) []Issue {
	var issues []Issue

	if r.WeightKg < 0 || r.WeightKg > maxWeightKg {
		issues = append(issues, errorIssue("weight_kg",
			fmt.Sprintf("weight %.1f kg outside (0, %.0f]", r.WeightKg, maxWeightKg)))
	}
	if r.HeightCm != 0 && (r.HeightCm < minHeightCm || r.HeightCm > maxHeightCm) {
		issues = append(issues, errorIssue("height_cm",
			fmt.Sprintf("height %.1f cm outside [%.0f, %.0f]", r.HeightCm, minHeightCm, maxHeightCm)))
	}
	if r.Age != 0 && (r.Age < minAge || r.Age > maxAge) {
		issues = append(issues, errorIssue("age",
			fmt.Sprintf("age %d outside [%d, %d]", r.Age, minAge, maxAge)))
	}
	if r.BodyFatPercent < 0 || r.BodyFatPercent > maxBodyFatPct {
		issues = append(issues, errorIssue("body_fat_percent",
			fmt.Sprintf("body fat %.1f%% outside [0, %.0f]", r.BodyFatPercent, maxBodyFatPct)))
	}

	return issues
}

func validateSubject(r *Record, policy Policy) []Issue {
	var issues []Issue

	switch policy {
	case PolicyRequired:
		if r.CustomerPhone == "" {
			issues = append(issues, errorIssue("customer_phone", "missing subject identifier"))
		} else if !IsValidPhone(r.CustomerPhone) {
			issues = append(issues, errorIssue("customer_phone", "invalid phone format"))
		}
		if r.WeightKg <= 0 {
			issues = append(issues, errorIssue("weight_kg", "weight is required"))
		}
	default:
		if r.CustomerPhone != "" && !IsValidPhone(r.CustomerPhone) {
			issues = append(issues, Issue{
				Field:    "customer_phone",
				Message:  "not a valid mobile number",
				Severity: SeverityWarning,
			})
		}
	}

	return issues
}

func errorIssue(field, msg string) Issue {
	return Issue{Field: field, Message: msg, Severity: SeverityError}
}

func status(r *Record, policy Policy) Status {
	if r.HasErrors() {
		return StatusError
	}
	if policy == PolicyRequired {
		return StatusComplete
	}
	if r.CustomerPhone != "" && r.WeightKg > 0 {
		return StatusComplete
	}
	return StatusIncomplete
}

// Completeness returns the share of scored fields the record carries.
func Completeness(r *Record) float64 {
	filled := 0
	for _, ok := range []bool{
		r.CustomerPhone != "",
		r.WeightKg > 0,
		r.HeightCm > 0,
		r.BMI > 0,
		r.BodyFatPercent > 0,
		r.MuscleMassKg > 0,
		r.BoneMassKg > 0,
		r.TotalBodyWaterKg > 0,
		r.TotalBodyWaterPercent > 0,
		r.VisceralFatRating > 0,
		r.MetabolicAge > 0,
		r.BMRKcal > 0,
		r.PhaseAngle > 0,
		len(r.Impedance) > 0,
		r.HasSegmental(),
	} {
		if ok {
			filled++
		}
	}
	return float64(filled) / scoredFields
}

// Tier classifies a record from its completeness and error count.
func Tier(completeness float64, errorCount int) QualityTier {
	switch {
	case errorCount == 0 && completeness >= 0.8:
		return QualityExcellent
	case errorCount == 0 && completeness >= 0.6:
		return QualityGood
	case errorCount <= 2 && completeness >= 0.4:
		return QualityFair
	default:
		return QualityPoor
	}
}
