package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/opinio/backend/internal/middleware"
	"github.com/opinio/backend/internal/models"
	"github.com/opinio/backend/internal/services"
	"github.com/opinio/backend/pkg/logger"
	"github.com/opinio/backend/pkg/utils"
	"gorm.io/gorm"
)

type AuthHandler struct {
	DB        *gorm.DB
	TwoFactor *services.TwoFactorService
	Audit     *services.AuditService
}

func NewAuthHandler(db *gorm.DB, twoFactor *services.TwoFactorService, audit *services.AuditService) *AuthHandler {
	return &AuthHandler{DB: db, TwoFactor: twoFactor, Audit: audit}
}

// userDetails is the projection returned with a session token. The full
// model (password hash included via gorm tags) never leaves the handler.
type userDetails struct {
	ID               string          `json:"id"`
	Username         string          `json:"username"`
	ProfilePicture   *string         `json:"profilePicture,omitempty"`
	Role             models.UserRole `json:"role"`
	TwoFactorEnabled bool            `json:"twoFactorEnabled"`
}

func detailsFor(user *models.User, twoFactorEnabled bool) userDetails {
	return userDetails{
		ID:               user.ID.String(),
		Username:         user.Username,
		ProfilePicture:   user.ProfilePicture,
		Role:             user.Role,
		TwoFactorEnabled: twoFactorEnabled,
	}
}

type loginRequest struct {
	EmailOrUsername string `json:"emailOrUsername"`
	Password        string `json:"password"`
}

// Login performs the primary credential check. Users with an enabled second
// factor get a short-lived pending token instead of a session token; the
// login finishes at VerifyTwoFactor.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	identifier := strings.TrimSpace(req.EmailOrUsername)
	if identifier == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "emailOrUsername and password are required")
	}

	var user models.User
	err := h.DB.First(&user, "email = ? OR username = ?", strings.ToLower(identifier), identifier).Error
	if err != nil || !utils.CheckPassword(req.Password, user.PasswordHash) {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	status, err := h.TwoFactor.Status(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load two-factor status")
	}

	if status.Enabled {
		tempToken, err := utils.GeneratePendingToken(user.ID, user.Email)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
		}

		logger.Info("login_two_factor_pending", map[string]interface{}{
			"user_id": user.ID.String(),
		})

		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"requiresTwoFactor": true,
			"tempToken":         tempToken,
		})
	}

	token, expiresAt, err := utils.GenerateToken(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"requiresTwoFactor": false,
		"token":             token,
		"expiresAt":         expiresAt,
		"user":              detailsFor(&user, false),
	})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	status, err := h.TwoFactor.Status(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load two-factor status")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"user":             user,
		"twoFactorEnabled": status.Enabled,
	})
}

type verifyTwoFactorRequest struct {
	Code  string `json:"code"`
	Token string `json:"token"`
}

// VerifyTwoFactor is the second half of the login handshake: it exchanges a
// pending token plus a TOTP or recovery code for a full session token.
func (h *AuthHandler) VerifyTwoFactor(c *fiber.Ctx) error {
	var req verifyTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if strings.TrimSpace(req.Code) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	tempToken := pendingTokenFromRequest(c, req.Token)
	if tempToken == "" {
		return utils.Error(c, fiber.StatusUnauthorized, "two-factor session token not provided")
	}

	claims, err := utils.ValidatePendingToken(tempToken)
	if err != nil {
		if errors.Is(err, utils.ErrAssertionNotPending) {
			return utils.Error(c, fiber.StatusUnauthorized, "token not valid for two-factor verification")
		}
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired two-factor token")
	}

	if !utils.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "two-factor token already used")
	}

	if err := h.TwoFactor.VerifyForLogin(claims.UserID, strings.TrimSpace(req.Code)); err != nil {
		switch {
		case errors.Is(err, services.ErrTwoFactorNotEnabled):
			return utils.Error(c, fiber.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrInvalidTwoFactorCode):
			return utils.Error(c, fiber.StatusUnauthorized, err.Error())
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "two-factor verification failed")
		}
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	utils.ConsumeJTI(claims.JTI)

	token, expiresAt, err := utils.GenerateToken(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	logger.Info("login_two_factor_verified", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.mfa_login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token":     token,
		"expiresAt": expiresAt,
		"user":      detailsFor(&user, true),
	})
}

// pendingTokenFromRequest extracts the provisional assertion from its
// accepted channels: X-Token header, Authorization bearer, or request body.
func pendingTokenFromRequest(c *fiber.Ctx, bodyToken string) string {
	if headerToken := strings.TrimSpace(c.Get("X-Token")); headerToken != "" {
		return headerToken
	}
	authHeader := c.Get("Authorization")
	if bearer := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer")); bearer != "" && bearer != authHeader {
		return bearer
	}
	return strings.TrimSpace(bodyToken)
}
