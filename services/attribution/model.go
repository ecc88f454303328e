package attribution

import (
	"time"

	"competition-engine/services/competition"
)

// TradeCompleted is one executed swap as delivered by the trade feed.
type TradeCompleted struct {
	SourceTradeID string    `json:"sourceTradeId" validate:"required"`
	UserID        string    `json:"userId" validate:"required"`
	TokenA        string    `json:"tokenA" validate:"required_without=TokenB"`
	TokenB        string    `json:"tokenB" validate:"required_without=TokenA"`
	TokenAAmount  string    `json:"tokenAAmount" validate:"omitempty,decimal"`
	TokenBAmount  string    `json:"tokenBAmount" validate:"omitempty,decimal"`
	USDVolume     string    `json:"usdVolume" validate:"required,nonneg_decimal"`
	Timestamp     time.Time `json:"timestamp"`
}

type Outcome string

const (
	OutcomeRecorded         Outcome = "RECORDED"
	OutcomeAlreadyProcessed Outcome = "ALREADY_PROCESSED"
	OutcomeInvalid          Outcome = "INVALID"
	OutcomeNotQualified     Outcome = "NOT_QUALIFIED"
	OutcomeFailed           Outcome = "FAILED"
)

// CompetitionResult is the attribution outcome of one trade for one competition.
type CompetitionResult struct {
	CompetitionID string                `json:"competition_id"`
	Outcome       Outcome               `json:"outcome"`
	TradeType     competition.TradeType `json:"trade_type,omitempty"`
	OldRank       *int                  `json:"old_rank,omitempty"`
	NewRank       *int                  `json:"new_rank,omitempty"`
	Direction     competition.Direction `json:"direction,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// Result collects the per-competition outcomes of one trade. A trade matching no
// competition has an empty Competitions list.
type Result struct {
	SourceTradeID string              `json:"source_trade_id"`
	Valid         bool                `json:"valid"`
	Competitions  []CompetitionResult `json:"competitions"`
}

// Failed counts competitions whose attribution failed and may succeed on redelivery.
func (r *Result) Failed() int {
	n := 0
	for _, c := range r.Competitions {
		if c.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

func (r *Result) Count(o Outcome) int {
	n := 0
	for _, c := range r.Competitions {
		if c.Outcome == o {
			n++
		}
	}
	return n
}
