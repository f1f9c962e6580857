package verification

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	GET(path string) error
	POST(path string, body any) error
	DELETE(path string) error
	StatusCode() int
	Body() string
	GetResponseField(path string) (any, error)
	Remember(key, value string)
	Recall(key string) string
}

const (
	sessionKey  = "session_id"
	redirectKey = "redirect_url"
)

// RegisterSteps registers verification steps. Codes and bank tokens come
// from the server's development routes.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &verificationSteps{tc: tc}

	ctx.Step(`^I select the "([^"]*)" verification method$`, steps.selectMethod)
	ctx.Step(`^I enter the one-time code I was sent$`, steps.enterSentCode)
	ctx.Step(`^I enter the one-time code "([^"]*)"$`, steps.enterCode)
	ctx.Step(`^I request a new code$`, steps.resend)
	ctx.Step(`^the bank (approves|declines) the redirect$`, steps.bankDecides)
	ctx.Step(`^I abandon verification$`, steps.abandon)
	ctx.Step(`^I fetch the verification session$`, steps.fetchSession)
}

type verificationSteps struct {
	tc TestContext
}

func (s *verificationSteps) selectMethod(ctx context.Context, method string) error {
	path := "/filing/" + s.tc.Recall("filing_id") + "/verify"
	if err := s.tc.POST(path, map[string]string{"method": method}); err != nil {
		return err
	}
	if code := s.tc.StatusCode(); code != 200 && code != 201 {
		return nil
	}
	sessionID, err := s.tc.GetResponseField("session_id")
	if err != nil {
		return err
	}
	s.tc.Remember(sessionKey, fmt.Sprint(sessionID))
	if redirect, err := s.tc.GetResponseField("prompt.redirect_url"); err == nil {
		s.tc.Remember(redirectKey, fmt.Sprint(redirect))
	}
	return nil
}

func (s *verificationSteps) enterSentCode(ctx context.Context) error {
	if err := s.tc.GET("/dev/otp/" + url.PathEscape(s.tc.Recall("subject"))); err != nil {
		return err
	}
	if s.tc.StatusCode() != 200 {
		return fmt.Errorf("no code available: %s", s.tc.Body())
	}
	code, err := s.tc.GetResponseField("otp")
	if err != nil {
		return err
	}
	return s.enterCode(ctx, fmt.Sprint(code))
}

func (s *verificationSteps) enterCode(ctx context.Context, code string) error {
	return s.tc.POST("/filing/verify-otp", map[string]string{
		"session_id": s.tc.Recall(sessionKey),
		"otp":        code,
	})
}

func (s *verificationSteps) resend(ctx context.Context) error {
	return s.tc.POST("/filing/verify/resend", map[string]string{"session_id": s.tc.Recall(sessionKey)})
}

func (s *verificationSteps) bankDecides(ctx context.Context, decision string) error {
	result := "approved"
	if decision == "declines" {
		result = "declined"
	}
	q := url.Values{}
	q.Set("redirect_url", s.tc.Recall(redirectKey))
	q.Set("subject", s.tc.Recall("subject"))
	q.Set("result", result)
	if err := s.tc.GET("/dev/bank/authorize?" + q.Encode()); err != nil {
		return err
	}
	if s.tc.StatusCode() != 200 {
		return fmt.Errorf("bank authorization failed: %s", s.tc.Body())
	}
	token, err := s.tc.GetResponseField("callback_token")
	if err != nil {
		return err
	}
	return s.tc.POST("/filing/verify-challenge", map[string]string{
		"session_id":     s.tc.Recall(sessionKey),
		"callback_token": fmt.Sprint(token),
	})
}

func (s *verificationSteps) abandon(ctx context.Context) error {
	return s.tc.DELETE("/filing/" + s.tc.Recall("filing_id") + "/verify")
}

func (s *verificationSteps) fetchSession(ctx context.Context) error {
	return s.tc.GET("/filing/verify/session/" + s.tc.Recall(sessionKey))
}
