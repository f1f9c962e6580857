package status

import (
	"strings"

	"efiling/internal/filing/models"
)

// rawStages maps the authority's vocabulary onto the internal taxonomy. The
// authority has used more than one spelling for the same stage over time.
var rawStages = map[string]models.Stage{
	"RECEIVED":               models.StageSubmitted,
	"SUBMITTED":              models.StageSubmitted,
	"UPLOADED":               models.StageSubmitted,
	"VALIDATION":             models.StageValidating,
	"VALIDATION_IN_PROGRESS": models.StageValidating,
	"PROCESSING":             models.StageValidating,
	"UNDER_REVIEW":           models.StageUnderReview,
	"UNDER_PROCESSING":       models.StageUnderReview,
	"PENDING_REVIEW":         models.StageUnderReview,
	"PROCESSED":              models.StageAccepted,
	"ACCEPTED":               models.StageAccepted,
	"COMPLETED":              models.StageAccepted,
	"DEFECTIVE":              models.StageRejected,
	"REJECTED":               models.StageRejected,
	"INVALID":                models.StageRejected,
}

// MapStage normalizes raw and looks it up. Unknown stages report false.
func MapStage(raw string) (models.Stage, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	stage, ok := rawStages[key]
	return stage, ok
}
