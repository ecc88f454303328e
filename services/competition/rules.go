package competition

import (
	"time"

	"competition-engine/pkg/celengine"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

// Variables available to a competition's qualification_expr.
var qualificationVars = map[string]*cel.Type{
	"user_id":      cel.StringType,
	"token_a":      cel.StringType,
	"token_b":      cel.StringType,
	"token_traded": cel.StringType,
	"trade_type":   cel.StringType,
	"token_amount": cel.DoubleType,
	"volume_usd":   cel.DoubleType,
	"traded_at":    cel.TimestampType,
}

// TradeFacts is what a qualification rule sees of a trade.
type TradeFacts struct {
	UserID      string
	TokenA      string
	TokenB      string
	TokenTraded string
	TradeType   TradeType
	TokenAmount decimal.Decimal
	VolumeUSD   decimal.Decimal
	TradedAt    time.Time
}

func (f TradeFacts) attributes() map[string]any {
	return map[string]any{
		"user_id":      f.UserID,
		"token_a":      f.TokenA,
		"token_b":      f.TokenB,
		"token_traded": f.TokenTraded,
		"trade_type":   string(f.TradeType),
		"token_amount": f.TokenAmount.InexactFloat64(),
		"volume_usd":   f.VolumeUSD.InexactFloat64(),
		"traded_at":    f.TradedAt,
	}
}

type RuleEvaluator struct {
	engine *celengine.Engine
}

func NewRuleEvaluator() (*RuleEvaluator, error) {
	engine, err := celengine.New(qualificationVars)
	if err != nil {
		return nil, err
	}
	return &RuleEvaluator{engine: engine}, nil
}

func (r *RuleEvaluator) Validate(expr string) error {
	return r.engine.ValidateExpression(expr)
}

// Qualifies evaluates the competition's rule; competitions without a rule accept every trade.
func (r *RuleEvaluator) Qualifies(c *Competition, facts TradeFacts) (bool, error) {
	if c.QualificationExpr == "" {
		return true, nil
	}
	return r.engine.Evaluate(c.QualificationExpr, facts.attributes())
}
