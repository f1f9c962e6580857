package filing

import (
	"context"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	GET(path string) error
	POST(path string, body any) error
	StatusCode() int
	Body() string
	GetResponseField(path string) (any, error)
	Remember(key, value string)
	Recall(key string) string
}

const filingKey = "filing_id"

// RegisterSteps registers filing lifecycle steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &filingSteps{tc: tc}

	ctx.Step(`^I open a filing for taxpayer "([^"]*)" on form "([^"]*)" for year "([^"]*)"$`, steps.openFiling)
	ctx.Step(`^I have a declared filing for taxpayer "([^"]*)"$`, steps.declaredFiling)
	ctx.Step(`^I accept all required declarations$`, steps.acceptAll)
	ctx.Step(`^I accept only the declaration "([^"]*)"$`, steps.acceptOnly)
	ctx.Step(`^I validate the filing$`, steps.validate)
	ctx.Step(`^I fetch the filing$`, steps.fetch)
	ctx.Step(`^I submit the filing$`, steps.submit)
	ctx.Step(`^I fetch the filing status$`, steps.status)
	ctx.Step(`^I revise the filing with computation "([^"]*)"$`, steps.revise)
	ctx.Step(`^the filing history should be "([^"]*)"$`, steps.historyShouldBe)
}

type filingSteps struct {
	tc TestContext
}

func (s *filingSteps) path(suffix string) string {
	return "/filing/" + s.tc.Recall(filingKey) + suffix
}

func (s *filingSteps) openFiling(ctx context.Context, subject, formType, year string) error {
	err := s.tc.POST("/filing", map[string]string{
		"subject":         subject,
		"form_type":       formType,
		"assessment_year": year,
		"computation_ref": "e2e-computation",
	})
	if err != nil {
		return err
	}
	if s.tc.StatusCode() != 201 {
		return nil
	}
	filingID, err := s.tc.GetResponseField("id")
	if err != nil {
		return err
	}
	s.tc.Remember(filingKey, fmt.Sprint(filingID))
	s.tc.Remember("subject", subject)
	return nil
}

func (s *filingSteps) declaredFiling(ctx context.Context, subject string) error {
	if err := s.openFiling(ctx, subject, "ITR-1", "2025-26"); err != nil {
		return err
	}
	if s.tc.StatusCode() != 201 {
		return fmt.Errorf("open filing returned %d: %s", s.tc.StatusCode(), s.tc.Body())
	}
	if err := s.acceptAll(ctx); err != nil {
		return err
	}
	if s.tc.StatusCode() != 200 {
		return fmt.Errorf("accept declarations returned %d: %s", s.tc.StatusCode(), s.tc.Body())
	}
	return nil
}

// currentSet reads the declaration set shown for the filing and returns its
// version and required ids.
func (s *filingSteps) currentSet() (string, []string, error) {
	if err := s.tc.GET(s.path("/declaration")); err != nil {
		return "", nil, err
	}
	version, err := s.tc.GetResponseField("version")
	if err != nil {
		return "", nil, err
	}
	items, err := s.tc.GetResponseField("declarations")
	if err != nil {
		return "", nil, err
	}
	list, ok := items.([]any)
	if !ok {
		return "", nil, fmt.Errorf("declarations is not a list: %s", s.tc.Body())
	}
	var required []string
	for _, raw := range list {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if req, _ := item["required"].(bool); req {
			required = append(required, fmt.Sprint(item["id"]))
		}
	}
	return fmt.Sprint(version), required, nil
}

func (s *filingSteps) acceptAll(ctx context.Context) error {
	version, required, err := s.currentSet()
	if err != nil {
		return err
	}
	return s.tc.POST(s.path("/declaration"), map[string]any{
		"version":      version,
		"accepted_ids": required,
	})
}

func (s *filingSteps) acceptOnly(ctx context.Context, declarationID string) error {
	version, _, err := s.currentSet()
	if err != nil {
		return err
	}
	return s.tc.POST(s.path("/declaration"), map[string]any{
		"version":      version,
		"accepted_ids": []string{declarationID},
	})
}

func (s *filingSteps) validate(ctx context.Context) error {
	return s.tc.GET(s.path("/validate"))
}

func (s *filingSteps) fetch(ctx context.Context) error {
	return s.tc.GET(s.path(""))
}

func (s *filingSteps) submit(ctx context.Context) error {
	return s.tc.POST(s.path("/submit"), nil)
}

func (s *filingSteps) status(ctx context.Context) error {
	return s.tc.GET(s.path("/status"))
}

func (s *filingSteps) revise(ctx context.Context, computationRef string) error {
	if err := s.tc.POST(s.path("/revise"), map[string]string{"computation_ref": computationRef}); err != nil {
		return err
	}
	if s.tc.StatusCode() != 201 {
		return nil
	}
	// Later steps act on the revision.
	filingID, err := s.tc.GetResponseField("id")
	if err != nil {
		return err
	}
	s.tc.Remember(filingKey, fmt.Sprint(filingID))
	return nil
}

func (s *filingSteps) historyShouldBe(ctx context.Context, want string) error {
	if err := s.tc.GET(s.path("/history")); err != nil {
		return err
	}
	raw, err := s.tc.GetResponseField("transitions")
	if err != nil {
		return err
	}
	list, _ := raw.([]any)
	states := make([]string, 0, len(list))
	for _, t := range list {
		if m, ok := t.(map[string]any); ok {
			states = append(states, fmt.Sprint(m["to"]))
		}
	}
	if got := strings.Join(states, ","); got != want {
		return fmt.Errorf("expected history %s, got %s", want, got)
	}
	return nil
}
