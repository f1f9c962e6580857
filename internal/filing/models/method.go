package models

import (
	"strings"

	dErrors "efiling/pkg/domain-errors"
)

// Method is a verification protocol. The set is closed; adding a method means
// adding an adapter, not touching the coordinator.
type Method string

const (
	MethodOTP          Method = "otp"
	MethodCertificate  Method = "certificate"
	MethodBankRedirect Method = "bank_redirect"
)

// Methods lists every supported verification method.
var Methods = []Method{MethodOTP, MethodCertificate, MethodBankRedirect}

func (m Method) IsValid() bool {
	switch m {
	case MethodOTP, MethodCertificate, MethodBankRedirect:
		return true
	}
	return false
}

func (m Method) String() string { return string(m) }

// ParseMethod accepts the canonical names case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "verification method is required")
	}
	if !m.IsValid() {
		return "", dErrors.New(dErrors.CodeUnsupportedMethod, "unsupported verification method: "+s)
	}
	return m, nil
}

// FormType identifies the return form; declaration sets are keyed by it.
type FormType string

const (
	FormITR1 FormType = "ITR-1"
	FormITR2 FormType = "ITR-2"
	FormITR3 FormType = "ITR-3"
	FormITR4 FormType = "ITR-4"
)

func (f FormType) IsValid() bool {
	switch f {
	case FormITR1, FormITR2, FormITR3, FormITR4:
		return true
	}
	return false
}

func ParseFormType(s string) (FormType, error) {
	f := FormType(strings.ToUpper(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unsupported form type: "+s)
	}
	return f, nil
}
