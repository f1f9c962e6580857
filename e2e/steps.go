package e2e

import (
	"github.com/cucumber/godog"

	"efiling/e2e/steps/common"
	"efiling/e2e/steps/filing"
	"efiling/e2e/steps/verification"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Background, account selection and generic response assertions
	common.RegisterSteps(ctx, tc)

	// Filing lifecycle: open, declare, submit, revise
	filing.RegisterSteps(ctx, tc)

	// Verification methods, driven through the development providers
	verification.RegisterSteps(ctx, tc)
}
