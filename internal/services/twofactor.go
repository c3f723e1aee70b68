package services

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opinio/backend/internal/models"
	"github.com/opinio/backend/pkg/qrcode"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

// State errors for the two-factor lifecycle. Handlers switch on these with
// errors.Is to pick response codes; anything else is an infrastructure
// failure and surfaces as a server error.
var (
	ErrTwoFactorNotProvisioned = errors.New("two-factor setup not found for this user")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrInvalidTwoFactorCode    = errors.New("invalid or expired code")
)

const (
	recoveryCodeCount  = 8
	recoveryCodeBytes  = 6
	recoveryCodeLength = 8
	totpSkewSteps      = 1
)

// TwoFactorSetup is what a user needs to enroll an authenticator: the shared
// secret in machine and manual-entry form, the otpauth URI, a scannable QR
// rendering of it, and the single-use recovery batch.
type TwoFactorSetup struct {
	SecretKey      string   `json:"secretKey"`
	ManualEntryKey string   `json:"manualEntryKey"`
	OTPAuthURI     string   `json:"otpAuthUri"`
	QRCodeImage    string   `json:"qrCodeImage"`
	RecoveryCodes  []string `json:"recoveryCodes"`
}

type TwoFactorStatus struct {
	Enabled   bool       `json:"enabled"`
	EnabledAt *time.Time `json:"enabledAt"`
}

// TwoFactorService owns every transition of the per-user two-factor record:
// Unprovisioned -> PendingEnable (Setup), PendingEnable -> Enabled
// (ConfirmEnable), Enabled -> PendingEnable (Disable). Setup from any state
// is a destructive reset to a fresh secret and recovery batch.
type TwoFactorService struct {
	DB     *gorm.DB
	Issuer string
}

func NewTwoFactorService(db *gorm.DB, issuer string) *TwoFactorService {
	return &TwoFactorService{DB: db, Issuer: issuer}
}

// Setup provisions a fresh secret for the user, replacing any prior record.
// An already enabled second factor is revoked as a byproduct of the replace.
func (s *TwoFactorService) Setup(userID uuid.UUID, email string) (*TwoFactorSetup, error) {
	if err := s.DB.Where("user_id = ?", userID).Delete(&models.TwoFactorConfig{}).Error; err != nil {
		return nil, fmt.Errorf("destroying previous two-factor config: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: email,
		SecretSize:  20,
	})
	if err != nil {
		return nil, fmt.Errorf("generating TOTP secret: %w", err)
	}

	qrImage, err := qrcode.DataURI(key.URL(), 256)
	if err != nil {
		return nil, fmt.Errorf("rendering enrollment QR code: %w", err)
	}

	codes, err := generateRecoveryCodes()
	if err != nil {
		return nil, fmt.Errorf("generating recovery codes: %w", err)
	}

	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("serializing recovery codes: %w", err)
	}

	cfg := models.TwoFactorConfig{
		UserID:        userID,
		SecretKey:     key.Secret(),
		IsEnabled:     false,
		RecoveryCodes: string(codesJSON),
	}
	if err := s.DB.Create(&cfg).Error; err != nil {
		return nil, fmt.Errorf("saving two-factor config: %w", err)
	}

	return &TwoFactorSetup{
		SecretKey:      key.Secret(),
		ManualEntryKey: key.Secret(),
		OTPAuthURI:     key.URL(),
		QRCodeImage:    qrImage,
		RecoveryCodes:  codes,
	}, nil
}

// ConfirmEnable turns a provisioned-but-disabled record on, after proving
// the user's authenticator holds the secret.
func (s *TwoFactorService) ConfirmEnable(userID uuid.UUID, code string) error {
	cfg, err := s.find(userID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return ErrTwoFactorNotProvisioned
	}
	if cfg.IsEnabled {
		return ErrTwoFactorAlreadyEnabled
	}

	if !verifyTOTP(cfg.SecretKey, code) {
		return ErrInvalidTwoFactorCode
	}

	now := time.Now().UTC()
	if err := s.DB.Model(cfg).Updates(map[string]interface{}{
		"is_enabled": true,
		"enabled_at": now,
	}).Error; err != nil {
		return fmt.Errorf("enabling two-factor: %w", err)
	}
	return nil
}

// VerifyForLogin proves possession of the second factor during the login
// handshake. TOTP is tried first; on mismatch the code is matched against
// the unused recovery batch and, when found, consumed permanently. Whether
// the proof was a TOTP or a recovery code is not distinguishable from the
// returned error.
func (s *TwoFactorService) VerifyForLogin(userID uuid.UUID, code string) error {
	cfg, err := s.find(userID)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.IsEnabled {
		return ErrTwoFactorNotEnabled
	}

	if verifyTOTP(cfg.SecretKey, code) {
		return nil
	}

	return s.consumeRecoveryCode(cfg, code)
}

// Disable turns the second factor off. Only a live TOTP code is accepted
// here: a leaked recovery code must not be usable to strip protection. The
// secret and remaining recovery codes are kept so ConfirmEnable can
// re-activate without re-provisioning.
func (s *TwoFactorService) Disable(userID uuid.UUID, code string) error {
	cfg, err := s.find(userID)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.IsEnabled {
		return ErrTwoFactorNotEnabled
	}

	if !verifyTOTP(cfg.SecretKey, code) {
		return ErrInvalidTwoFactorCode
	}

	if err := s.DB.Model(cfg).Updates(map[string]interface{}{
		"is_enabled": false,
		"enabled_at": nil,
	}).Error; err != nil {
		return fmt.Errorf("disabling two-factor: %w", err)
	}
	return nil
}

// Status reports whether the second factor is enforced for the user. A user
// that never provisioned reports {false, nil}.
func (s *TwoFactorService) Status(userID uuid.UUID) (TwoFactorStatus, error) {
	cfg, err := s.find(userID)
	if err != nil {
		return TwoFactorStatus{}, err
	}
	if cfg == nil {
		return TwoFactorStatus{Enabled: false, EnabledAt: nil}, nil
	}
	return TwoFactorStatus{Enabled: cfg.IsEnabled, EnabledAt: cfg.EnabledAt}, nil
}

// RegenerateRecoveryCodes replaces the whole batch unconditionally. The only
// gate is the caller's session authentication, not possession of a code.
func (s *TwoFactorService) RegenerateRecoveryCodes(userID uuid.UUID) ([]string, error) {
	cfg, err := s.find(userID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrTwoFactorNotProvisioned
	}

	codes, err := generateRecoveryCodes()
	if err != nil {
		return nil, fmt.Errorf("generating recovery codes: %w", err)
	}

	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("serializing recovery codes: %w", err)
	}

	if err := s.DB.Model(cfg).Update("recovery_codes", string(codesJSON)).Error; err != nil {
		return nil, fmt.Errorf("saving recovery codes: %w", err)
	}
	return codes, nil
}

func (s *TwoFactorService) find(userID uuid.UUID) (*models.TwoFactorConfig, error) {
	var cfg models.TwoFactorConfig
	err := s.DB.First(&cfg, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading two-factor config: %w", err)
	}
	return &cfg, nil
}

// consumeRecoveryCode removes a matched code with a compare-and-swap on the
// serialized batch, so two concurrent logins spending the same code cannot
// both succeed: the second swap sees a changed snapshot and matches nothing.
func (s *TwoFactorService) consumeRecoveryCode(cfg *models.TwoFactorConfig, code string) error {
	var stored []string
	if cfg.RecoveryCodes != "" {
		if err := json.Unmarshal([]byte(cfg.RecoveryCodes), &stored); err != nil {
			return fmt.Errorf("loading recovery codes: %w", err)
		}
	}

	needle := strings.ToUpper(strings.TrimSpace(code))
	matchIndex := -1
	for i, candidate := range stored {
		if candidate == needle {
			matchIndex = i
			break
		}
	}
	if matchIndex == -1 {
		return ErrInvalidTwoFactorCode
	}

	remaining := append(stored[:matchIndex:matchIndex], stored[matchIndex+1:]...)
	updatedJSON, err := json.Marshal(remaining)
	if err != nil {
		return fmt.Errorf("serializing recovery codes: %w", err)
	}

	result := s.DB.Model(&models.TwoFactorConfig{}).
		Where("user_id = ? AND recovery_codes = ?", cfg.UserID, cfg.RecoveryCodes).
		Update("recovery_codes", string(updatedJSON))
	if result.Error != nil {
		return fmt.Errorf("consuming recovery code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost the race: someone already spent a code from this snapshot.
		return ErrInvalidTwoFactorCode
	}
	return nil
}

// generateRecoveryCodes produces one batch of 8 single-use codes. Each code
// is 6 bytes from crypto/rand, base32-encoded and truncated to 8 uppercase
// alphanumeric characters. Collisions within a batch are left to the entropy
// source.
func generateRecoveryCodes() ([]string, error) {
	codes := make([]string, 0, recoveryCodeCount)
	for i := 0; i < recoveryCodeCount; i++ {
		b := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
		codes = append(codes, encoded[:recoveryCodeLength])
	}
	return codes, nil
}

// verifyTOTP checks a code against the secret for the current time step,
// tolerating one step of clock drift in either direction. Malformed and
// wrong codes are both simply invalid.
func verifyTOTP(secret, code string) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkewSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
