package leaderboard

import (
	"time"

	"competition-engine/pkg/db/pagination"

	"github.com/shopspring/decimal"
)

// Query selects one page of a leaderboard.
type Query struct {
	pagination.Pagination
	WithPrizes bool `form:"with_prizes" json:"with_prizes"`
}

type PrizeInfo struct {
	RankFrom    int                 `json:"rank_from"`
	RankTo      int                 `json:"rank_to"`
	PrizePoints decimal.Decimal     `json:"prize_points"`
	TokenSymbol string              `json:"token_symbol,omitempty"`
	TokenAmount decimal.NullDecimal `json:"token_amount,omitempty"`
}

type Row struct {
	UserID          string          `json:"user_id"`
	DisplayIdentity string          `json:"display_identity"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
	TradeCount      int64           `json:"trade_count"`
	Rank            int             `json:"rank"`
	Prize           *PrizeInfo      `json:"prize,omitempty"`
}

type Page struct {
	Scope       string               `json:"scope"`
	Rows        []Row                `json:"rows"`
	PageInfo    *pagination.PageInfo `json:"page_info"`
	GeneratedAt time.Time            `json:"generated_at"`
}
