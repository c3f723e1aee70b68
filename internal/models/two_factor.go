package models

import (
	"time"

	"github.com/google/uuid"
)

// TwoFactorConfig holds the per-user second-factor state. At most one row
// exists per user; replacing the secret means destroying and recreating the
// row, which also discards any unconsumed recovery codes.
type TwoFactorConfig struct {
	BaseModel
	UserID        uuid.UUID  `json:"userID" gorm:"type:uuid;uniqueIndex;not null"`
	SecretKey     string     `json:"-" gorm:"type:text;not null"`
	IsEnabled     bool       `json:"isEnabled" gorm:"not null;default:false"`
	EnabledAt     *time.Time `json:"enabledAt,omitempty"`
	RecoveryCodes string     `json:"-" gorm:"type:text"`
	User          User       `json:"-" gorm:"foreignKey:UserID"`
}

func (TwoFactorConfig) TableName() string {
	return "two_factor_configs"
}
