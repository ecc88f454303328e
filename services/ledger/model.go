package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PointType string

const (
	PointTypeCore     PointType = "CORE"
	PointTypeReferral PointType = "REFERRAL"
	PointTypeQuest    PointType = "QUEST"
	PointTypeSystem   PointType = "SYSTEM"
)

type LogType string

const (
	LogTypeFromCore         LogType = "FROM_CORE"
	LogTypeFromTrade        LogType = "FROM_TRADE"
	LogTypeFromQuest        LogType = "FROM_QUEST"
	LogTypeCompetitionPrize LogType = "COMPETITION_PRIZE"
	LogTypeRedeem           LogType = "REDEEM"
	LogTypeAdjustment       LogType = "ADJUSTMENT"
)

const genesisHash = "GENESIS"

// PointBalance is the materialized sum of a user's log entries.
type PointBalance struct {
	ID        string          `gorm:"column:id;primaryKey" json:"id"`
	UserID    string          `gorm:"column:user_id;uniqueIndex" json:"user_id"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(38,18)" json:"amount"`
	Sequence  int64           `gorm:"column:sequence" json:"sequence"`
	LastHash  string          `gorm:"column:last_hash" json:"-"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// PointLogEntry is append-only. Sequence is per user and gapless.
type PointLogEntry struct {
	ID           string          `gorm:"column:id;primaryKey" json:"id"`
	UserID       string          `gorm:"column:user_id;uniqueIndex:idx_point_log_user_seq" json:"user_id"`
	Sequence     int64           `gorm:"column:sequence;uniqueIndex:idx_point_log_user_seq" json:"sequence"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(38,18)" json:"amount"`
	PointType    PointType       `gorm:"column:point_type;size:32" json:"point_type"`
	LogType      LogType         `gorm:"column:log_type;size:64" json:"log_type"`
	ReferralID   string          `gorm:"column:referral_id" json:"referral_id,omitempty"`
	ReferenceID  string          `gorm:"column:reference_id;index" json:"reference_id,omitempty"`
	PreviousHash string          `gorm:"column:previous_hash" json:"-"`
	Hash         string          `gorm:"column:hash" json:"-"`
	Metadata     datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (m *PointLogEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"user_id":       m.UserID,
		"sequence":      fmt.Sprintf("%d", m.Sequence),
		"amount":        m.Amount.String(),
		"point_type":    string(m.PointType),
		"log_type":      string(m.LogType),
		"referral_id":   m.ReferralID,
		"reference_id":  m.ReferenceID,
		"previous_hash": m.PreviousHash,
	}
}

func (m *PointLogEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Params describes one ledger mutation. Amount is always positive; Decrease negates it.
type Params struct {
	UserID      string          `validate:"required"`
	Amount      decimal.Decimal `validate:"-"`
	PointType   PointType       `validate:"required,oneof=CORE REFERRAL QUEST SYSTEM"`
	LogType     LogType         `validate:"required"`
	ReferenceID string
	Metadata    map[string]any

	// BypassReferral skips the referral uplift and the referrer credit.
	BypassReferral bool
}

// Verification compares the materialized balance with the log.
type Verification struct {
	UserID     string          `json:"user_id"`
	Balance    decimal.Decimal `json:"balance"`
	LogSum     decimal.Decimal `json:"log_sum"`
	Entries    int             `json:"entries"`
	Consistent bool            `json:"consistent"`
	ChainValid bool            `json:"chain_valid"`
}

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&PointBalance{}, &PointLogEntry{}}
}
