package models

import (
	"fmt"
	"time"
)

// MethodKind identifies a supplementary verification method.
type MethodKind string

const (
	MethodTOTP              MethodKind = "totp"
	MethodRecoveryCodes     MethodKind = "recovery"
	MethodSecurityQuestions MethodKind = "questions"
	MethodEmailChallenge    MethodKind = "email"
)

// TOTPData holds the shared secret for time-based one-time codes.
type TOTPData struct {
	Secret string `json:"secret"`
}

// RecoveryData holds the remaining unused recovery codes. A code is removed
// from the list the moment it verifies.
type RecoveryData struct {
	Codes []string `json:"codes"`
}

// SecurityQuestion is one question/answer pair. Answers are compared
// case-insensitively after trimming.
type SecurityQuestion struct {
	Question string `json:"question" validate:"required,max=255"`
	Answer   string `json:"answer" validate:"required,max=255"`
}

// QuestionsData holds the ordered security question list.
type QuestionsData struct {
	Questions []SecurityQuestion `json:"questions"`
}

// EmailData holds the delivery address for email challenges. The short-lived
// challenge code itself lives under its own TTL key, not here.
type EmailData struct {
	Email string `json:"email"`
}

// StepUpMethod is a tagged union: Kind selects which payload pointer is set,
// and exactly one must be.
type StepUpMethod struct {
	Kind      MethodKind     `json:"kind"`
	Enabled   bool           `json:"enabled"`
	LastUsed  *time.Time     `json:"last_used,omitempty"`
	TOTP      *TOTPData      `json:"totp,omitempty"`
	Recovery  *RecoveryData  `json:"recovery,omitempty"`
	Questions *QuestionsData `json:"questions,omitempty"`
	Email     *EmailData     `json:"email,omitempty"`
}

// Validate checks that the payload matches the declared kind.
func (m *StepUpMethod) Validate() error {
	switch m.Kind {
	case MethodTOTP:
		if m.TOTP == nil {
			return fmt.Errorf("totp method missing payload")
		}
	case MethodRecoveryCodes:
		if m.Recovery == nil {
			return fmt.Errorf("recovery method missing payload")
		}
	case MethodSecurityQuestions:
		if m.Questions == nil {
			return fmt.Errorf("questions method missing payload")
		}
	case MethodEmailChallenge:
		if m.Email == nil {
			return fmt.Errorf("email method missing payload")
		}
	default:
		return fmt.Errorf("unknown step-up method kind %q", m.Kind)
	}
	return nil
}
