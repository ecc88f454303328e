package attribution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"competition-engine/pkg/config"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/validation"
	"competition-engine/services/competition"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("competition-engine/attribution")

var (
	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attribution_outcomes_total",
		Help: "Per-competition trade attribution outcomes",
	}, []string{"outcome"})

	duration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attribution_duration_seconds",
		Help:    "Time to attribute one trade to every matching competition",
		Buckets: prometheus.DefBuckets,
	})
)

const defaultTimeout = 10 * time.Second

type Processor struct {
	competitions *competition.Service
	timeout      time.Duration
	now          func() time.Time
}

type ProcessorParams struct {
	fx.In
	Competitions *competition.Service
	Config       *config.Config `optional:"true"`
}

func NewProcessor(p ProcessorParams) *Processor {
	proc := &Processor{
		competitions: p.Competitions,
		timeout:      defaultTimeout,
		now:          time.Now,
	}
	if p.Config != nil && p.Config.Attribution.Timeout > 0 {
		proc.timeout = p.Config.Attribution.Timeout
	}
	return proc
}

// OnTradeCompleted attributes a trade to every ACTIVE competition trading one of its tokens.
// Invalid payloads are logged and dropped without error. Per-competition failures are
// reported in the result; the returned error is reserved for failing to look up competitions.
func (p *Processor) OnTradeCompleted(ctx context.Context, trade TradeCompleted) (*Result, error) {
	ctx, span := tracer.Start(ctx, "attribution.OnTradeCompleted")
	defer span.End()
	span.SetAttributes(
		attribute.String("trade.source_id", trade.SourceTradeID),
		attribute.String("trade.user_id", trade.UserID),
	)

	start := time.Now()
	defer func() { duration.Observe(time.Since(start).Seconds()) }()

	log := logger.FromContext(ctx).With(
		zap.String("source_trade_id", trade.SourceTradeID),
		zap.String("user_id", trade.UserID),
	)
	result := &Result{SourceTradeID: trade.SourceTradeID, Competitions: []CompetitionResult{}}

	if err := validation.Struct(trade); err != nil {
		log.Warn("dropping invalid trade", zap.Error(err))
		outcomes.WithLabelValues(string(OutcomeInvalid)).Inc()
		return result, nil
	}
	result.Valid = true

	if trade.Timestamp.IsZero() {
		trade.Timestamp = p.now()
	}

	matches, err := p.competitions.FindActiveForTrade(ctx, []string{trade.TokenA, trade.TokenB}, trade.Timestamp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "competition lookup failed")
		log.Error("failed to find competitions for trade", zap.Error(err))
		return nil, fmt.Errorf("find competitions: %w", err)
	}
	if len(matches) == 0 {
		log.Debug("trade matches no active competition")
		return result, nil
	}

	results := make([]CompetitionResult, len(matches))
	// siblings never cancel each other: no errgroup context and every goroutine returns nil
	var g errgroup.Group
	for i, c := range matches {
		g.Go(func() error {
			results[i] = p.attributeSafe(ctx, c, trade)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		outcomes.WithLabelValues(string(r.Outcome)).Inc()
	}
	result.Competitions = results

	if failed := result.Failed(); failed > 0 {
		span.SetStatus(codes.Error, "partial attribution failure")
		log.Warn("trade partially attributed", zap.Int("failed", failed), zap.Int("competitions", len(results)))
	}
	return result, nil
}

func (p *Processor) attributeSafe(ctx context.Context, c *competition.Competition, trade TradeCompleted) (res CompetitionResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("attribution panicked", zap.String("competition_id", c.ID), zap.Any("panic", r))
			res = CompetitionResult{CompetitionID: c.ID, Outcome: OutcomeFailed, Error: fmt.Sprint(r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.attribute(ctx, c, trade)
}

// classify resolves which side of the swap carries the competition token.
func classify(c *competition.Competition, trade TradeCompleted) (competition.TradeType, string, bool) {
	switch c.TradeToken {
	case strings.ToUpper(strings.TrimSpace(trade.TokenA)):
		return competition.TradeTypeSell, trade.TokenAAmount, true
	case strings.ToUpper(strings.TrimSpace(trade.TokenB)):
		return competition.TradeTypeBuy, trade.TokenBAmount, true
	default:
		return "", "", false
	}
}

func (p *Processor) attribute(ctx context.Context, c *competition.Competition, trade TradeCompleted) CompetitionResult {
	ctx, span := tracer.Start(ctx, "attribution.competition")
	defer span.End()
	span.SetAttributes(attribute.String("competition.id", c.ID))

	log := logger.FromContext(ctx).With(
		zap.String("competition_id", c.ID),
		zap.String("source_trade_id", trade.SourceTradeID),
	)
	res := CompetitionResult{CompetitionID: c.ID}
	fail := func(msg string, err error) CompetitionResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		log.Error(msg, zap.Error(err))
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	tradeType, quantity, ok := classify(c, trade)
	if !ok {
		res.Outcome = OutcomeInvalid
		return res
	}
	res.TradeType = tradeType

	exists, err := p.competitions.TradeExists(ctx, c.ID, trade.SourceTradeID)
	if err != nil {
		return fail("failed to check existing attribution", err)
	}
	if exists {
		res.Outcome = OutcomeAlreadyProcessed
		return res
	}

	volume := decimal.RequireFromString(trade.USDVolume)
	amount := decimal.Zero
	if quantity != "" {
		amount = decimal.RequireFromString(quantity)
	}

	qualifies, err := p.competitions.Rules().Qualifies(c, competition.TradeFacts{
		UserID:      trade.UserID,
		TokenA:      strings.ToUpper(trade.TokenA),
		TokenB:      strings.ToUpper(trade.TokenB),
		TokenTraded: c.TradeToken,
		TradeType:   tradeType,
		TokenAmount: amount,
		VolumeUSD:   volume,
		TradedAt:    trade.Timestamp,
	})
	if err != nil {
		log.Warn("qualification rule failed to evaluate", zap.Error(err))
	}
	if !qualifies {
		res.Outcome = OutcomeNotQualified
		return res
	}

	participant, err := p.competitions.GetOrCreateParticipant(ctx, c.ID, trade.UserID)
	if err != nil {
		return fail("failed to resolve participant", err)
	}
	res.OldRank = participant.Rank

	_, err = p.competitions.RecordTrade(ctx, &competition.CompetitionTrade{
		CompetitionID: c.ID,
		SourceTradeID: trade.SourceTradeID,
		ParticipantID: participant.ID,
		UserID:        trade.UserID,
		VolumeUSD:     volume,
		TokenTraded:   c.TradeToken,
		TokenAmount:   amount,
		TradeType:     tradeType,
		TradedAt:      trade.Timestamp.UTC(),
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent delivery of the same trade won the insert
		res.Outcome = OutcomeAlreadyProcessed
		return res
	}
	if err != nil {
		return fail("failed to record competition trade", err)
	}
	res.Outcome = OutcomeRecorded

	changes, err := p.competitions.RecomputeRanks(ctx, c.ID)
	if err != nil {
		// the trade is stored; the scheduled refresh will rank it
		log.Warn("rank recompute deferred", zap.Error(err))
		res.Error = err.Error()
		return res
	}

	res.NewRank = res.OldRank
	for _, ch := range changes {
		if ch.ParticipantID == participant.ID {
			res.NewRank = ch.NewRank
			break
		}
	}
	res.Direction = p.competitions.TrackRankChange(ctx, trade.UserID, c.ID, res.OldRank, res.NewRank, volume)

	log.Debug("trade attributed", zap.String("trade_type", string(tradeType)), zap.String("direction", string(res.Direction)))
	return res
}
