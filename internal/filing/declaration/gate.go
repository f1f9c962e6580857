// Package declaration holds the legal declaration catalog and the gate that
// decides whether a filing has accepted everything its form type requires.
package declaration

import (
	"slices"

	"efiling/internal/filing/models"
	dErrors "efiling/pkg/domain-errors"
)

// Result is the outcome of a gate check.
type Result struct {
	OK      bool     `json:"ok"`
	Version string   `json:"version,omitempty"`
	Missing []string `json:"missing_ids"`
	// Unknown lists accepted ids the set does not contain. They do not fail
	// the check but are dropped from what gets recorded.
	Unknown []string `json:"unknown_ids,omitempty"`
}

// Gate checks accepted declaration ids against the catalog. It has no side
// effects and fails closed when the catalog cannot answer.
type Gate struct {
	source Source
}

func NewGate(source Source) *Gate {
	return &Gate{source: source}
}

// Required returns the declaration set for the form type.
func (g *Gate) Required(formType models.FormType) (models.DeclarationSet, error) {
	if g == nil || g.source == nil {
		return models.DeclarationSet{}, dErrors.New(dErrors.CodeDeclarationsIncomplete, "declaration reference data unavailable")
	}
	set, err := g.source.Lookup(formType)
	if err != nil {
		return models.DeclarationSet{}, dErrors.Wrap(err, dErrors.CodeDeclarationsIncomplete, "declaration reference data unavailable")
	}
	return set, nil
}

// CheckAccepted reports which required ids of the current set are missing.
// Ids accepted against another version count for nothing.
func (g *Gate) CheckAccepted(formType models.FormType, version string, acceptedIDs []string) (Result, error) {
	set, err := g.Required(formType)
	if err != nil {
		return Result{OK: false}, err
	}
	required := set.RequiredIDs()
	res := Result{Version: set.Version, Missing: []string{}}
	if version != set.Version {
		res.Missing = required
		return res, nil
	}
	for _, rid := range required {
		if !slices.Contains(acceptedIDs, rid) {
			res.Missing = append(res.Missing, rid)
		}
	}
	for _, aid := range acceptedIDs {
		if !slices.ContainsFunc(set.Items, func(d models.Declaration) bool { return d.ID == aid }) {
			res.Unknown = append(res.Unknown, aid)
		}
	}
	res.OK = len(res.Missing) == 0
	return res, nil
}

// CheckFiling re-runs the gate against what the filing recorded.
func (g *Gate) CheckFiling(f *models.Filing) (Result, error) {
	return g.CheckAccepted(f.FormType, f.DeclarationVersion, f.AcceptedDeclarations)
}

// Known filters accepted ids down to those the set contains, de-duplicated,
// in catalog order.
func Known(set models.DeclarationSet, acceptedIDs []string) []string {
	out := make([]string, 0, len(acceptedIDs))
	for _, item := range set.Items {
		if slices.Contains(acceptedIDs, item.ID) {
			out = append(out, item.ID)
		}
	}
	return out
}
