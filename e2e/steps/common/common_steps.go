package common

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	GET(path string) error
	UseAccount(name string)
	StatusCode() int
	Body() string
	GetResponseField(path string) (any, error)
	Remember(key, value string)
}

// RegisterSteps registers background and generic assertion steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^the e-filing service is running$`, steps.serviceIsRunning)
	ctx.Step(`^I am account "([^"]*)"$`, steps.actAs)
	ctx.Step(`^I send no account header$`, steps.anonymous)

	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the response error should be "([^"]*)"$`, steps.errorShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, steps.fieldShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be (true|false)$`, steps.fieldShouldBeBool)
	ctx.Step(`^the response field "([^"]*)" should be the number (\d+)$`, steps.fieldShouldBeNumber)
	ctx.Step(`^the response field "([^"]*)" should match "([^"]*)"$`, steps.fieldShouldMatch)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) serviceIsRunning(ctx context.Context) error {
	if err := s.tc.GET("/healthz"); err != nil {
		return err
	}
	if s.tc.StatusCode() != 200 {
		return fmt.Errorf("health check returned %d", s.tc.StatusCode())
	}
	return nil
}

func (s *commonSteps) actAs(ctx context.Context, name string) error {
	s.tc.UseAccount(name)
	return nil
}

func (s *commonSteps) anonymous(ctx context.Context) error {
	s.tc.UseAccount("")
	return nil
}

func (s *commonSteps) statusShouldBe(ctx context.Context, code int) error {
	if s.tc.StatusCode() != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, s.tc.StatusCode(), s.tc.Body())
	}
	return nil
}

func (s *commonSteps) errorShouldBe(ctx context.Context, code string) error {
	return s.fieldShouldBe(ctx, "error", code)
}

func (s *commonSteps) fieldShouldBe(ctx context.Context, field, want string) error {
	got, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	if fmt.Sprint(got) != want {
		return fmt.Errorf("expected %s to be %q, got %v", field, want, got)
	}
	return nil
}

func (s *commonSteps) fieldShouldBeBool(ctx context.Context, field, want string) error {
	got, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	b, ok := got.(bool)
	if !ok || strconv.FormatBool(b) != want {
		return fmt.Errorf("expected %s to be %s, got %v", field, want, got)
	}
	return nil
}

func (s *commonSteps) fieldShouldBeNumber(ctx context.Context, field string, want int) error {
	got, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	n, ok := got.(float64)
	if !ok || int(n) != want {
		return fmt.Errorf("expected %s to be %d, got %v", field, want, got)
	}
	return nil
}

func (s *commonSteps) fieldShouldMatch(ctx context.Context, field, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	got, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	if !re.MatchString(fmt.Sprint(got)) {
		return fmt.Errorf("expected %s to match %s, got %v", field, pattern, got)
	}
	return nil
}
