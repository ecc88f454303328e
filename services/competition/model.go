package competition

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusActive            Status = "ACTIVE"
	StatusEnded             Status = "ENDED"
	StatusPrizesDistributed Status = "PRIZES_DISTRIBUTED"
	StatusCancelled         Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusCancelled},
	StatusActive: {StatusEnded, StatusCancelled},
	StatusEnded:  {StatusPrizesDistributed},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
)

type Competition struct {
	ID                string      `gorm:"column:id;primaryKey" json:"id"`
	Name              string      `gorm:"column:name" json:"name"`
	Slug              string      `gorm:"column:slug;uniqueIndex" json:"slug"`
	TradeToken        string      `gorm:"column:trade_token;index" json:"trade_token"`
	Status            Status      `gorm:"column:status;size:32;index" json:"status"`
	StartDate         time.Time   `gorm:"column:start_date" json:"start_date"`
	EndDate           time.Time   `gorm:"column:end_date" json:"end_date"`
	QualificationExpr string      `gorm:"column:qualification_expr" json:"qualification_expr,omitempty"`
	RanksComputedAt   *time.Time  `gorm:"column:ranks_computed_at" json:"ranks_computed_at,omitempty"`
	CreatedAt         time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time   `gorm:"column:updated_at" json:"updated_at"`
	Prizes            []RankPrize `gorm:"foreignKey:CompetitionID" json:"prizes,omitempty"`
}

// InWindow reports whether t falls inside [StartDate, EndDate].
func (c *Competition) InWindow(t time.Time) bool {
	return !t.Before(c.StartDate) && !t.After(c.EndDate)
}

// PrizeFor returns the tier covering rank, or nil.
func (c *Competition) PrizeFor(rank int) *RankPrize {
	for i := range c.Prizes {
		if c.Prizes[i].Covers(rank) {
			return &c.Prizes[i]
		}
	}
	return nil
}

type RankPrize struct {
	ID            string              `gorm:"column:id;primaryKey" json:"id"`
	CompetitionID string              `gorm:"column:competition_id;index" json:"competition_id"`
	RankFrom      int                 `gorm:"column:rank_from" json:"rank_from"`
	RankTo        int                 `gorm:"column:rank_to" json:"rank_to"`
	PrizePoints   decimal.Decimal     `gorm:"column:prize_points;type:decimal(38,18)" json:"prize_points"`
	TokenSymbol   string              `gorm:"column:token_symbol" json:"token_symbol,omitempty"`
	TokenAmount   decimal.NullDecimal `gorm:"column:token_amount;type:decimal(38,18)" json:"token_amount,omitempty"`
}

func (RankPrize) TableName() string {
	return "competition_rank_prizes"
}

func (p RankPrize) Covers(rank int) bool {
	return rank >= p.RankFrom && rank <= p.RankTo
}

func (p RankPrize) HasTokenPrize() bool {
	return p.TokenSymbol != "" && p.TokenAmount.Valid && p.TokenAmount.Decimal.IsPositive()
}

type Participant struct {
	ID             string          `gorm:"column:id;primaryKey" json:"id"`
	CompetitionID  string          `gorm:"column:competition_id;uniqueIndex:idx_participant_competition_user" json:"competition_id"`
	UserID         string          `gorm:"column:user_id;uniqueIndex:idx_participant_competition_user;index" json:"user_id"`
	TotalVolume    decimal.Decimal `gorm:"column:total_volume;type:decimal(38,18)" json:"total_volume"`
	TradeCount     int64           `gorm:"column:trade_count" json:"trade_count"`
	Rank           *int            `gorm:"column:rank" json:"rank"`
	PrizeClaimed   bool            `gorm:"column:prize_claimed" json:"prize_claimed"`
	PrizeClaimedAt *time.Time      `gorm:"column:prize_claimed_at" json:"prize_claimed_at,omitempty"`
	JoinedAt       time.Time       `gorm:"column:joined_at" json:"joined_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Participant) TableName() string {
	return "competition_participants"
}

type CompetitionTrade struct {
	ID            string          `gorm:"column:id;primaryKey" json:"id"`
	CompetitionID string          `gorm:"column:competition_id;uniqueIndex:idx_competition_trade_source" json:"competition_id"`
	SourceTradeID string          `gorm:"column:source_trade_id;uniqueIndex:idx_competition_trade_source" json:"source_trade_id"`
	ParticipantID string          `gorm:"column:participant_id;index" json:"participant_id"`
	UserID        string          `gorm:"column:user_id;index" json:"user_id"`
	VolumeUSD     decimal.Decimal `gorm:"column:volume_usd;type:decimal(38,18)" json:"volume_usd"`
	TokenTraded   string          `gorm:"column:token_traded" json:"token_traded"`
	TokenAmount   decimal.Decimal `gorm:"column:token_amount;type:decimal(38,18)" json:"token_amount"`
	TradeType     TradeType       `gorm:"column:trade_type;size:8" json:"trade_type"`
	TradedAt      time.Time       `gorm:"column:traded_at" json:"traded_at"`
	RecordedAt    time.Time       `gorm:"column:recorded_at" json:"recorded_at"`
}

func (CompetitionTrade) TableName() string {
	return "competition_trades"
}

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&Competition{}, &RankPrize{}, &Participant{}, &CompetitionTrade{}}
}

type Direction string

const (
	DirectionUp       Direction = "UP"
	DirectionDown     Direction = "DOWN"
	DirectionNoChange Direction = "NO_CHANGE"
	DirectionNewEntry Direction = "NEW_ENTRY"
)

// RankChange is one participant whose rank moved during a recompute.
type RankChange struct {
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	OldRank       *int   `json:"old_rank"`
	NewRank       *int   `json:"new_rank"`
}

type PrizeTierInput struct {
	RankFrom    int    `json:"rank_from" validate:"gte=1"`
	RankTo      int    `json:"rank_to" validate:"gte=1"`
	PrizePoints string `json:"prize_points" validate:"omitempty,nonneg_decimal"`
	TokenSymbol string `json:"token_symbol"`
	TokenAmount string `json:"token_amount" validate:"omitempty,nonneg_decimal"`
}

type CreateRequest struct {
	Name              string           `json:"name" validate:"required"`
	TradeToken        string           `json:"trade_token" validate:"required"`
	StartDate         time.Time        `json:"start_date" validate:"required"`
	EndDate           time.Time        `json:"end_date" validate:"required"`
	QualificationExpr string           `json:"qualification_expr"`
	Prizes            []PrizeTierInput `json:"prizes" validate:"dive"`
}
