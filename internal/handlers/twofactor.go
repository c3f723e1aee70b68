package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/opinio/backend/internal/middleware"
	"github.com/opinio/backend/internal/services"
	"github.com/opinio/backend/pkg/logger"
	"github.com/opinio/backend/pkg/utils"
)

// TwoFactorHandler exposes the account-settings side of the second factor:
// provisioning, enable confirmation, disable, status, and recovery-code
// regeneration. All routes require a fully authenticated session.
type TwoFactorHandler struct {
	Service *services.TwoFactorService
	Audit   *services.AuditService
}

func NewTwoFactorHandler(service *services.TwoFactorService, audit *services.AuditService) *TwoFactorHandler {
	return &TwoFactorHandler{Service: service, Audit: audit}
}

func twoFactorErrorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrTwoFactorNotProvisioned):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrTwoFactorAlreadyEnabled):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrTwoFactorNotEnabled):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrInvalidTwoFactorCode):
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *TwoFactorHandler) Setup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	setup, err := h.Service.Setup(user.ID, user.Email)
	if err != nil {
		logger.Error("two_factor_setup_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate two-factor setup")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "2fa.provisioned",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, setup)
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *TwoFactorHandler) VerifyAndEnable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	if err := h.Service.ConfirmEnable(user.ID, req.Code); err != nil {
		return utils.Error(c, twoFactorErrorStatus(err), err.Error())
	}

	logger.Info("two_factor_enabled", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "2fa.enabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "two-factor authentication enabled",
	})
}

func (h *TwoFactorHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	if err := h.Service.Disable(user.ID, req.Code); err != nil {
		return utils.Error(c, twoFactorErrorStatus(err), err.Error())
	}

	logger.Info("two_factor_disabled", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "2fa.disabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "two-factor authentication disabled",
	})
}

func (h *TwoFactorHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	status, err := h.Service.Status(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load two-factor status")
	}

	return utils.Success(c, fiber.StatusOK, status)
}

func (h *TwoFactorHandler) RegenerateRecoveryCodes(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	codes, err := h.Service.RegenerateRecoveryCodes(user.ID)
	if err != nil {
		return utils.Error(c, twoFactorErrorStatus(err), err.Error())
	}

	logger.Info("two_factor_recovery_regenerated", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "2fa.recovery_regenerated",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"recoveryCodes": codes,
	})
}
