package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferralRelation links a referred user to the user who referred them.
// A user has at most one referrer.
type ReferralRelation struct {
	ID         string    `gorm:"column:id;primaryKey" json:"id"`
	ReferrerID string    `gorm:"column:referrer_id;index" json:"referrer_id"`
	ReferredID string    `gorm:"column:referred_id;uniqueIndex" json:"referred_id"`
	Active     bool      `gorm:"column:active" json:"active"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// ReferralPoints is the per-referrer running counter of points earned by referred users.
type ReferralPoints struct {
	ID         string          `gorm:"column:id;primaryKey" json:"id"`
	ReferrerID string          `gorm:"column:referrer_id;uniqueIndex" json:"referrer_id"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(38,18)" json:"amount"`
	CreatedAt  time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (ReferralPoints) TableName() string {
	return "referral_points"
}

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&ReferralRelation{}, &ReferralPoints{}}
}
