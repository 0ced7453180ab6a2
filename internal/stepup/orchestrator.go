// Package stepup manages the per-user registry of supplementary verification
// methods and verifies challenge responses.
package stepup

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/store"
)

const (
	methodsKeyPrefix   = "step_up:methods:"
	emailCodeKeyPrefix = "step_up:email:"

	recoveryCodeCount = 10
	recoveryCodeLen   = 8
	// Charset excludes ambiguous characters (0/O, 1/I/L).
	recoveryCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// Mailer delivers email challenge codes. Injectable so the orchestrator is
// testable without network access.
type Mailer interface {
	SendChallengeCode(ctx context.Context, email, code string, expiresAt time.Time) error
}

// Config holds orchestrator settings.
type Config struct {
	Issuer          string
	EmailCodeExpiry time.Duration
}

// Orchestrator stores method registrations in the shared store and verifies
// challenge responses. Wrong answers return false; only a missing or disabled
// method is an error.
type Orchestrator struct {
	store  store.Store
	mailer Mailer
	logger *slog.Logger
	config Config
	now    func() time.Time
}

// NewOrchestrator creates a step-up orchestrator.
func NewOrchestrator(s store.Store, mailer Mailer, logger *slog.Logger, config Config) *Orchestrator {
	return &Orchestrator{
		store:  s,
		mailer: mailer,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func methodsKey(userID string) string   { return methodsKeyPrefix + userID }
func emailCodeKey(userID string) string { return emailCodeKeyPrefix + userID }

// AvailableMethods lists the kinds the user has enabled.
func (o *Orchestrator) AvailableMethods(ctx context.Context, userID string) ([]models.MethodKind, error) {
	entries, err := o.store.HGetAll(ctx, methodsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list step-up methods: %w", err)
	}

	// Stable ordering: strongest factors first.
	order := []models.MethodKind{
		models.MethodTOTP,
		models.MethodRecoveryCodes,
		models.MethodSecurityQuestions,
		models.MethodEmailChallenge,
	}

	var kinds []models.MethodKind
	for _, kind := range order {
		raw, ok := entries[string(kind)]
		if !ok {
			continue
		}
		var method models.StepUpMethod
		if err := json.Unmarshal([]byte(raw), &method); err != nil {
			continue
		}
		if method.Enabled {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// TOTPSetup is what the caller needs to enroll an authenticator app.
type TOTPSetup struct {
	Secret    string `json:"secret"`
	URI       string `json:"uri"`
	QRCodeURL string `json:"qr_code_url"`
}

// SetupTOTP enrolls a time-based one-time-code generator and returns the
// provisioning secret, URI, and a QR code data URL.
func (o *Orchestrator) SetupTOTP(ctx context.Context, userID, accountName string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      o.config.Issuer,
		AccountName: accountName,
		SecretSize:  32,
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	method := models.StepUpMethod{
		Kind:    models.MethodTOTP,
		Enabled: true,
		TOTP:    &models.TOTPData{Secret: key.Secret()},
	}
	if err := o.putMethod(ctx, userID, &method); err != nil {
		return nil, err
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, fmt.Errorf("create qr code: %w", err)
	}
	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}

	o.logger.Info("totp method enrolled", slog.String("user_id", userID))

	return &TOTPSetup{
		Secret:    key.Secret(),
		URI:       key.URL(),
		QRCodeURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage),
	}, nil
}

// VerifyTOTP checks a time-based code within the generator's standard
// time-step tolerance (skew of one period).
func (o *Orchestrator) VerifyTOTP(ctx context.Context, userID, code string) (bool, error) {
	method, err := o.getMethod(ctx, userID, models.MethodTOTP)
	if err != nil {
		return false, err
	}

	valid, err := totp.ValidateCustom(code, method.TOTP.Secret, o.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return false, nil
	}

	return true, o.touchMethod(ctx, userID, method)
}

// GenerateRecoveryCodes mints a fresh batch of single-use codes, replacing
// any previous batch.
func (o *Orchestrator) GenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	codes := make([]string, recoveryCodeCount)
	for i := range codes {
		code := make([]byte, recoveryCodeLen)
		for j := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(recoveryCharset))))
			if err != nil {
				return nil, fmt.Errorf("generate recovery code: %w", err)
			}
			code[j] = recoveryCharset[n.Int64()]
		}
		codes[i] = string(code)
	}

	method := models.StepUpMethod{
		Kind:     models.MethodRecoveryCodes,
		Enabled:  true,
		Recovery: &models.RecoveryData{Codes: codes},
	}
	if err := o.putMethod(ctx, userID, &method); err != nil {
		return nil, err
	}

	o.logger.Info("recovery codes generated", slog.String("user_id", userID))
	return codes, nil
}

// VerifyRecoveryCode checks membership in the unused-code list and consumes
// the code on success: a given code verifies exactly once.
func (o *Orchestrator) VerifyRecoveryCode(ctx context.Context, userID, code string) (bool, error) {
	method, err := o.getMethod(ctx, userID, models.MethodRecoveryCodes)
	if err != nil {
		return false, err
	}

	idx := -1
	for i, c := range method.Recovery.Codes {
		if subtle.ConstantTimeCompare([]byte(c), []byte(code)) == 1 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	method.Recovery.Codes = append(method.Recovery.Codes[:idx], method.Recovery.Codes[idx+1:]...)
	return true, o.touchMethod(ctx, userID, method)
}

// SetupSecurityQuestions stores an ordered question/answer list.
func (o *Orchestrator) SetupSecurityQuestions(ctx context.Context, userID string, questions []models.SecurityQuestion) error {
	if len(questions) == 0 {
		return models.ErrBadRequest
	}
	method := models.StepUpMethod{
		Kind:      models.MethodSecurityQuestions,
		Enabled:   true,
		Questions: &models.QuestionsData{Questions: questions},
	}
	if err := o.putMethod(ctx, userID, &method); err != nil {
		return err
	}

	o.logger.Info("security questions enrolled",
		slog.String("user_id", userID),
		slog.Int("count", len(questions)))
	return nil
}

// VerifySecurityQuestions checks the answers all-or-nothing, order-sensitive,
// comparing case-insensitively after trimming. A wrong answer count fails
// without partial credit.
func (o *Orchestrator) VerifySecurityQuestions(ctx context.Context, userID string, answers []string) (bool, error) {
	method, err := o.getMethod(ctx, userID, models.MethodSecurityQuestions)
	if err != nil {
		return false, err
	}

	stored := method.Questions.Questions
	if len(answers) != len(stored) {
		return false, nil
	}
	for i, answer := range answers {
		if !answersEqual(answer, stored[i].Answer) {
			return false, nil
		}
	}

	return true, o.touchMethod(ctx, userID, method)
}

// SetupEmailChallenge registers the delivery address for email challenges.
func (o *Orchestrator) SetupEmailChallenge(ctx context.Context, userID, email string) error {
	if email == "" {
		return models.ErrBadRequest
	}
	method := models.StepUpMethod{
		Kind:    models.MethodEmailChallenge,
		Enabled: true,
		Email:   &models.EmailData{Email: email},
	}
	return o.putMethod(ctx, userID, &method)
}

// SendEmailChallenge issues a short-lived code to the registered address.
// The code is valid only until its TTL expires.
func (o *Orchestrator) SendEmailChallenge(ctx context.Context, userID string) error {
	method, err := o.getMethod(ctx, userID, models.MethodEmailChallenge)
	if err != nil {
		return err
	}

	code, err := generateNumericCode(6)
	if err != nil {
		return fmt.Errorf("generate challenge code: %w", err)
	}

	expiresAt := o.now().UTC().Add(o.config.EmailCodeExpiry)
	if err := o.store.Set(ctx, emailCodeKey(userID), code, o.config.EmailCodeExpiry); err != nil {
		return fmt.Errorf("store challenge code: %w", err)
	}

	if err := o.mailer.SendChallengeCode(ctx, method.Email.Email, code, expiresAt); err != nil {
		return fmt.Errorf("send challenge code: %w", err)
	}

	o.logger.Info("email challenge sent", slog.String("user_id", userID))
	return nil
}

// VerifyEmailChallenge checks the outstanding code in constant time and
// consumes it on success. An expired code is simply absent.
func (o *Orchestrator) VerifyEmailChallenge(ctx context.Context, userID, code string) (bool, error) {
	method, err := o.getMethod(ctx, userID, models.MethodEmailChallenge)
	if err != nil {
		return false, err
	}

	stored, err := o.store.Get(ctx, emailCodeKey(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get challenge code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return false, nil
	}

	if err := o.store.Del(ctx, emailCodeKey(userID)); err != nil {
		return false, fmt.Errorf("consume challenge code: %w", err)
	}
	return true, o.touchMethod(ctx, userID, method)
}

func (o *Orchestrator) getMethod(ctx context.Context, userID string, kind models.MethodKind) (*models.StepUpMethod, error) {
	raw, err := o.store.HGet(ctx, methodsKey(userID), string(kind))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrMethodNotConfigured
		}
		return nil, fmt.Errorf("get step-up method: %w", err)
	}

	var method models.StepUpMethod
	if err := json.Unmarshal([]byte(raw), &method); err != nil {
		return nil, fmt.Errorf("decode step-up method: %w", err)
	}
	if !method.Enabled {
		return nil, models.ErrMethodNotConfigured
	}
	if err := method.Validate(); err != nil {
		return nil, fmt.Errorf("stored method invalid: %w", err)
	}
	return &method, nil
}

func (o *Orchestrator) putMethod(ctx context.Context, userID string, method *models.StepUpMethod) error {
	if err := method.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(method)
	if err != nil {
		return fmt.Errorf("marshal step-up method: %w", err)
	}
	if err := o.store.HSet(ctx, methodsKey(userID), string(method.Kind), string(data)); err != nil {
		return fmt.Errorf("store step-up method: %w", err)
	}
	return nil
}

// touchMethod records a successful use.
func (o *Orchestrator) touchMethod(ctx context.Context, userID string, method *models.StepUpMethod) error {
	now := o.now().UTC()
	method.LastUsed = &now
	return o.putMethod(ctx, userID, method)
}

func answersEqual(given, stored string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return norm(given) == norm(stored)
}

func generateNumericCode(digits int) (string, error) {
	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// SetClock overrides the orchestrator's time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }
