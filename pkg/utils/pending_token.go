package utils

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const pendingTokenExpiry = 5 * time.Minute

// ErrAssertionNotPending is returned when a structurally valid token does not
// carry the two-factor-pending claim, i.e. it is some other kind of token.
var ErrAssertionNotPending = errors.New("token is not a two-factor pending assertion")

// PendingClaims is the provisional assertion issued after a successful
// password check for users with an enabled second factor. It proves primary
// credentials only; the login handshake exchanges it for a session token.
type PendingClaims struct {
	UserID           uuid.UUID `json:"userID"`
	Email            string    `json:"email"`
	TwoFactorPending bool      `json:"twoFactorPending"`
	JTI              string    `json:"jti"`
	jwt.RegisteredClaims
}

func GeneratePendingToken(userID uuid.UUID, email string) (string, error) {
	expiresAt := time.Now().Add(pendingTokenExpiry)
	jti := uuid.New().String()
	claims := PendingClaims{
		UserID:           userID,
		Email:            email,
		TwoFactorPending: true,
		JTI:              jti,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        jti,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ValidatePendingToken(tokenString string) (*PendingClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PendingClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*PendingClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid pending token")
	}

	if !claims.TwoFactorPending {
		return nil, ErrAssertionNotPending
	}

	if claims.JTI == "" {
		return nil, fmt.Errorf("missing token ID")
	}

	return claims, nil
}

// Pending tokens are single-use: the handshake records each consumed JTI so a
// replayed assertion is rejected even while its signature is still valid.
var consumedJTIs = make(map[string]time.Time)
var jtiMu sync.Mutex

func IsJTIValid(jti string) bool {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	_, exists := consumedJTIs[jti]
	return !exists
}

func ConsumeJTI(jti string) {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	consumedJTIs[jti] = time.Now()
}

func CleanupExpiredJTIs() {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	now := time.Now()
	for jti, consumedAt := range consumedJTIs {
		if now.Sub(consumedAt) > pendingTokenExpiry {
			delete(consumedJTIs, jti)
		}
	}
}
