package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/opinio/backend/internal/models"
	"github.com/pquerna/otp/totp"
)

func TestTwoFactorHandler_Status_NeverProvisioned(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "status@test.com", "status", "password123", models.UserRoleUser)

	resp := performRequest(t, env.app, http.MethodGet, "/api/two-factor/status", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)

	if data["enabled"].(bool) {
		t.Fatal("expected enabled to be false")
	}
	if data["enabledAt"] != nil {
		t.Fatalf("expected enabledAt to be null, got %v", data["enabledAt"])
	}
}

func TestTwoFactorHandler_Setup(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "setup@test.com", "setup", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/setup", map[string]any{}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)

	if data["secretKey"].(string) == "" {
		t.Fatal("expected non-empty secret")
	}
	if data["otpAuthUri"].(string) == "" {
		t.Fatal("expected non-empty otpauth URI")
	}
	if data["qrCodeImage"].(string) == "" {
		t.Fatal("expected non-empty QR image")
	}

	codes := data["recoveryCodes"].([]any)
	if len(codes) != 8 {
		t.Fatalf("expected 8 recovery codes, got %d", len(codes))
	}
}

func TestTwoFactorHandler_Setup_Unauthenticated(t *testing.T) {
	env := setupTestEnv(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/setup", map[string]any{}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestTwoFactorHandler_VerifyAndEnable(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "enable@test.com", "enable", "password123", models.UserRoleUser)

	setup, err := env.twoFactor.Setup(user.ID, user.Email)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	code, err := totp.GenerateCode(setup.SecretKey, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/verify-and-enable", map[string]any{
		"code": code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	resp = performRequest(t, env.app, http.MethodGet, "/api/two-factor/status", nil, authHeaders(token))
	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)
	if !data["enabled"].(bool) {
		t.Fatal("expected enabled to be true after verify-and-enable")
	}
	if data["enabledAt"] == nil {
		t.Fatal("expected enabledAt to be set")
	}

	// Enabling twice is an explicit conflict, not a no-op.
	code, _ = totp.GenerateCode(setup.SecretKey, time.Now())
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/verify-and-enable", map[string]any{
		"code": code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusConflict)
}

func TestTwoFactorHandler_VerifyAndEnable_InvalidCode(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "enable-bad@test.com", "enablebad", "password123", models.UserRoleUser)

	if _, err := env.twoFactor.Setup(user.ID, user.Email); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/verify-and-enable", map[string]any{
		"code": "000000",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestTwoFactorHandler_VerifyAndEnable_NotProvisioned(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "enable-none@test.com", "enablenone", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/verify-and-enable", map[string]any{
		"code": "000000",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusNotFound)
}

func TestTwoFactorHandler_Disable(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "disable@test.com", "disable", "password123", models.UserRoleUser)

	setup, _ := env.twoFactor.Setup(user.ID, user.Email)
	code, _ := totp.GenerateCode(setup.SecretKey, time.Now())
	if err := env.twoFactor.ConfirmEnable(user.ID, code); err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	// A recovery code cannot strip protection.
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/disable", map[string]any{
		"code": setup.RecoveryCodes[0],
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusUnauthorized)

	code, _ = totp.GenerateCode(setup.SecretKey, time.Now())
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/disable", map[string]any{
		"code": code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	resp = performRequest(t, env.app, http.MethodGet, "/api/two-factor/status", nil, authHeaders(token))
	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)
	if data["enabled"].(bool) {
		t.Fatal("expected enabled to be false after disable")
	}
}

func TestTwoFactorHandler_Disable_NotEnabled(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "disable-none@test.com", "disablenone", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/disable", map[string]any{
		"code": "000000",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestTwoFactorHandler_RegenerateRecoveryCodes(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "regen@test.com", "regen", "password123", models.UserRoleUser)

	setup, _ := env.twoFactor.Setup(user.ID, user.Email)
	code, _ := totp.GenerateCode(setup.SecretKey, time.Now())
	if err := env.twoFactor.ConfirmEnable(user.ID, code); err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/recovery-codes", map[string]any{}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)
	codes := data["recoveryCodes"].([]any)
	if len(codes) != 8 {
		t.Fatalf("expected 8 regenerated codes, got %d", len(codes))
	}

	// Old batch is invalid immediately after regeneration.
	if err := env.twoFactor.VerifyForLogin(user.ID, setup.RecoveryCodes[0]); err == nil {
		t.Fatal("expected old recovery code to be rejected after regeneration")
	}
}

func TestTwoFactorHandler_RegenerateRecoveryCodes_NotProvisioned(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "regen-none@test.com", "regennone", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/two-factor/recovery-codes", map[string]any{}, authHeaders(token))
	assertStatus(t, resp, http.StatusNotFound)
}
