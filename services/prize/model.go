package prize

import (
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeCredited       Outcome = "CREDITED"
	OutcomeTokenRecorded  Outcome = "TOKEN_RECORDED"
	OutcomeAlreadyClaimed Outcome = "ALREADY_CLAIMED"
	OutcomeNoTier         Outcome = "NO_TIER"
	OutcomeFailed         Outcome = "FAILED"
)

// ParticipantOutcome is what one distribution pass did for one ranked participant.
type ParticipantOutcome struct {
	ParticipantID string              `json:"participant_id"`
	UserID        string              `json:"user_id"`
	Rank          int                 `json:"rank"`
	Outcome       Outcome             `json:"outcome"`
	PrizePoints   decimal.Decimal     `json:"prize_points"`
	TokenSymbol   string              `json:"token_symbol,omitempty"`
	TokenAmount   decimal.NullDecimal `json:"token_amount,omitempty"`
	LogEntryID    string              `json:"log_entry_id,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Report summarizes a distribution run. Participants without a tier are listed but not
// counted as distributions.
type Report struct {
	CompetitionID           string               `json:"competition_id"`
	AlreadyDistributed      bool                 `json:"already_distributed"`
	TotalDistributions      int                  `json:"total_distributions"`
	SuccessfulDistributions int                  `json:"successful_distributions"`
	FailedDistributions     int                  `json:"failed_distributions"`
	Outcomes                []ParticipantOutcome `json:"outcomes"`
	DistributedAt           time.Time            `json:"distributed_at"`
}

func (r *Report) add(o ParticipantOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Outcome {
	case OutcomeNoTier, OutcomeAlreadyClaimed:
		return
	case OutcomeFailed:
		r.FailedDistributions++
	default:
		r.SuccessfulDistributions++
	}
	r.TotalDistributions++
}
