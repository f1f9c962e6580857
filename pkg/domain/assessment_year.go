package domain

import (
	"fmt"
	"strconv"

	dErrors "efiling/pkg/domain-errors"
)

// AssessmentYear is the period a return is assessed in, written "2024-25".
// The second part is always the first year plus one, modulo 100.
type AssessmentYear string

// ParseAssessmentYear validates the "YYYY-YY" form.
func ParseAssessmentYear(s string) (AssessmentYear, error) {
	if len(s) != 7 || s[4] != '-' {
		return "", dErrors.New(dErrors.CodeInvalidInput, "assessment year must look like 2024-25")
	}
	start, err := strconv.Atoi(s[:4])
	if err != nil || start < 2000 || start > 2099 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid assessment year start")
	}
	end, err := strconv.Atoi(s[5:])
	if err != nil || end != (start+1)%100 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "assessment year must span consecutive years")
	}
	return AssessmentYear(s), nil
}

// StartYear returns the first calendar year of the period.
func (a AssessmentYear) StartYear() int {
	if len(a) < 4 {
		return 0
	}
	y, _ := strconv.Atoi(string(a)[:4])
	return y
}

// IsBefore reports whether a precedes other.
func (a AssessmentYear) IsBefore(other AssessmentYear) bool {
	return a.StartYear() < other.StartYear()
}

func (a AssessmentYear) String() string { return string(a) }

// AssessmentYearFor returns the assessment year whose start follows the given
// financial year start, e.g. 2023 -> "2024-25".
func AssessmentYearFor(financialYearStart int) AssessmentYear {
	start := financialYearStart + 1
	return AssessmentYear(fmt.Sprintf("%d-%02d", start, (start+1)%100))
}
