package prize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"competition-engine/pkg/errutil"
	"competition-engine/pkg/lock"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/rediskey"
	"competition-engine/services/competition"
	"competition-engine/services/ledger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("competition-engine/prize")

const notEndedMessage = "competition must be ENDED before distributing prizes"

var (
	ErrNotEnded = errutil.UnprocessableEntity(notEndedMessage, nil)

	errAlreadyClaimed = errors.New("prize already claimed")
)

// Crediter is the slice of the point ledger used to pay point prizes.
type Crediter interface {
	IncreaseWith(ctx context.Context, p ledger.Params, fn func(tx *gorm.DB) error) (*ledger.PointBalance, *ledger.PointLogEntry, error)
}

type Service struct {
	competitions *competition.Service
	ledger       Crediter
	locker       lock.Locker
	lockOpts     lock.Options
	now          func() time.Time
}

type ServiceParams struct {
	fx.In
	Competitions *competition.Service
	Ledger       *ledger.Service
	Locker       lock.Locker
}

func NewService(p ServiceParams) *Service {
	return New(p.Competitions, p.Ledger, p.Locker)
}

func New(competitions *competition.Service, crediter Crediter, locker lock.Locker) *Service {
	return &Service{
		competitions: competitions,
		ledger:       crediter,
		locker:       locker,
		lockOpts:     lock.Options{TTL: 10 * time.Minute, Wait: 5 * time.Second},
		now:          time.Now,
	}
}

// Distribute pays every ranked, unclaimed participant of an ENDED competition and then
// moves it to PRIZES_DISTRIBUTED. A competition already distributed yields an empty
// report flagged AlreadyDistributed.
func (s *Service) Distribute(ctx context.Context, competitionID string) (*Report, error) {
	return s.run(ctx, competitionID, false)
}

// Redistribute reruns the pass for a PRIZES_DISTRIBUTED competition so participants
// that failed earlier get paid. Claimed participants are never paid twice.
func (s *Service) Redistribute(ctx context.Context, competitionID string) (*Report, error) {
	return s.run(ctx, competitionID, true)
}

func (s *Service) run(ctx context.Context, competitionID string, retry bool) (*Report, error) {
	ctx, span := tracer.Start(ctx, "prize.Distribute")
	defer span.End()
	span.SetAttributes(attribute.String("competition.id", competitionID), attribute.Bool("retry", retry))

	log := logger.FromContext(ctx).With(zap.String("competition_id", competitionID))

	var report *Report
	err := lock.WithLock(ctx, s.locker, rediskey.BuildPrizeLockKey(competitionID), s.lockOpts, func(ctx context.Context) error {
		c, err := s.competitions.Get(ctx, competitionID)
		if err != nil {
			return err
		}

		switch {
		case c.Status == competition.StatusPrizesDistributed && !retry:
			report = &Report{CompetitionID: c.ID, AlreadyDistributed: true, Outcomes: []ParticipantOutcome{}, DistributedAt: s.now().UTC()}
			return nil
		case c.Status == competition.StatusPrizesDistributed:
		case c.Status != competition.StatusEnded:
			return errutil.UnprocessableEntity(notEndedMessage, nil,
				errutil.WithDetails(errutil.Detail{Field: "status", Message: string(c.Status)}))
		}

		report, err = s.pass(ctx, c)
		if err != nil {
			return err
		}

		if c.Status == competition.StatusEnded {
			_, err = s.competitions.TransitionFrom(ctx, c.ID, competition.StatusEnded, competition.StatusPrizesDistributed)
			if err != nil && !errors.Is(err, competition.ErrStatusChanged) {
				return fmt.Errorf("mark prizes distributed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "distribution failed")
		log.Error("prize distribution failed", zap.Error(err))
		return nil, err
	}

	log.Info("prize distribution finished",
		zap.Bool("already_distributed", report.AlreadyDistributed),
		zap.Int("total", report.TotalDistributions),
		zap.Int("successful", report.SuccessfulDistributions),
		zap.Int("failed", report.FailedDistributions),
	)
	return report, nil
}

// pass ranks the competition one last time and pays each ranked unclaimed participant.
// One participant failing never stops the others.
func (s *Service) pass(ctx context.Context, c *competition.Competition) (*Report, error) {
	if _, err := s.competitions.RecomputeRanks(ctx, c.ID); err != nil {
		return nil, fmt.Errorf("final recompute: %w", err)
	}

	participants, err := s.competitions.RankedUnclaimed(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load ranked participants: %w", err)
	}

	report := &Report{CompetitionID: c.ID, Outcomes: make([]ParticipantOutcome, 0, len(participants))}
	for _, p := range participants {
		report.add(s.payOne(ctx, c, p))
	}
	report.DistributedAt = s.now().UTC()
	return report, nil
}

func (s *Service) payOne(ctx context.Context, c *competition.Competition, p *competition.Participant) ParticipantOutcome {
	out := ParticipantOutcome{ParticipantID: p.ID, UserID: p.UserID}
	if p.Rank == nil {
		out.Outcome = OutcomeNoTier
		return out
	}
	out.Rank = *p.Rank

	tier := c.PrizeFor(out.Rank)
	if tier == nil {
		out.Outcome = OutcomeNoTier
		return out
	}
	out.PrizePoints = tier.PrizePoints
	out.TokenSymbol = tier.TokenSymbol
	out.TokenAmount = tier.TokenAmount

	log := logger.FromContext(ctx).With(
		zap.String("competition_id", c.ID),
		zap.String("user_id", p.UserID),
		zap.Int("rank", out.Rank),
	)

	fence := func(tx *gorm.DB) error {
		claimed, err := s.competitions.ClaimPrize(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return errAlreadyClaimed
		}
		return nil
	}

	var err error
	if tier.PrizePoints.IsPositive() {
		var entry *ledger.PointLogEntry
		_, entry, err = s.ledger.IncreaseWith(ctx, ledger.Params{
			UserID:         p.UserID,
			Amount:         tier.PrizePoints,
			PointType:      ledger.PointTypeQuest,
			LogType:        ledger.LogTypeCompetitionPrize,
			ReferenceID:    "competition:" + c.ID,
			BypassReferral: true,
			Metadata: map[string]any{
				"competition_id": c.ID,
				"participant_id": p.ID,
				"rank":           out.Rank,
			},
		}, fence)
		if err == nil {
			out.LogEntryID = entry.ID
			out.Outcome = OutcomeCredited
		}
	} else {
		err = s.competitions.DB().WithContext(ctx).Transaction(fence)
		if err == nil {
			out.Outcome = OutcomeTokenRecorded
		}
	}

	switch {
	case err == nil:
		log.Info("prize distributed", zap.String("outcome", string(out.Outcome)))
	case errors.Is(err, errAlreadyClaimed):
		out.Outcome = OutcomeAlreadyClaimed
	default:
		log.Error("prize distribution failed for participant", zap.Error(err))
		out.Outcome = OutcomeFailed
		out.Error = err.Error()
	}
	return out
}
