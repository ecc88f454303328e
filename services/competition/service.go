package competition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"competition-engine/pkg/db/option"
	"competition-engine/pkg/errutil"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/outbox"
	"competition-engine/pkg/repository"
	"competition-engine/pkg/validation"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrCompetitionNotFound = errutil.NotFound("competition not found", nil)
	ErrInvalidTransition   = errutil.UnprocessableEntity("invalid status transition", nil)
	ErrStatusChanged       = errutil.Conflict("competition status changed concurrently", nil)
)

// CacheInvalidator drops cached read models of a competition after its ranks change.
type CacheInvalidator interface {
	InvalidateCompetition(ctx context.Context, competitionID string)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateCompetition(context.Context, string) {}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	emitter outbox.Emitter
	cache   CacheInvalidator
	rules   *RuleEvaluator

	competition repository.Repository[Competition]
	prize       repository.Repository[RankPrize]
	participant repository.Repository[Participant]
	trade       repository.Repository[CompetitionTrade]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Emitter outbox.Emitter   `optional:"true"`
	Cache   CacheInvalidator `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	rules, err := NewRuleEvaluator()
	if err != nil {
		return nil, err
	}

	s := &Service{
		db:      p.DB,
		node:    p.Node,
		emitter: p.Emitter,
		cache:   p.Cache,
		rules:   rules,

		competition: repository.ProvideStore[Competition](p.DB),
		prize:       repository.ProvideStore[RankPrize](p.DB),
		participant: repository.ProvideStore[Participant](p.DB),
		trade:       repository.ProvideStore[CompetitionTrade](p.DB),

		now: time.Now,
	}
	if s.emitter == nil {
		s.emitter = outbox.Noop{}
	}
	if s.cache == nil {
		s.cache = noopInvalidator{}
	}
	return s, nil
}

func (s *Service) DB() *gorm.DB {
	return s.db
}

func (s *Service) Rules() *RuleEvaluator {
	return s.rules
}

// Create validates the tiers and the qualification rule and stores a DRAFT competition.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Competition, error) {
	log := logger.FromContext(ctx)

	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, errutil.BadRequest("end_date must be after start_date", nil)
	}

	prizes, err := buildPrizes(req.Prizes)
	if err != nil {
		return nil, err
	}

	if req.QualificationExpr != "" {
		if err := s.rules.Validate(req.QualificationExpr); err != nil {
			return nil, errutil.BadRequest("invalid qualification_expr", err)
		}
	}

	id := s.node.Generate().String()
	for i := range prizes {
		prizes[i].ID = s.node.Generate().String()
		prizes[i].CompetitionID = id
	}

	now := s.now()
	c := &Competition{
		ID:                id,
		Name:              req.Name,
		TradeToken:        strings.ToUpper(strings.TrimSpace(req.TradeToken)),
		Status:            StatusDraft,
		StartDate:         req.StartDate.UTC(),
		EndDate:           req.EndDate.UTC(),
		QualificationExpr: req.QualificationExpr,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c.Slug, err = s.uniqueSlug(ctx, tx, req.Name, id)
		if err != nil {
			return err
		}
		if err := s.competition.WithTrx(tx).Create(ctx, c); err != nil {
			return err
		}
		ptrs := make([]*RankPrize, 0, len(prizes))
		for i := range prizes {
			ptrs = append(ptrs, &prizes[i])
		}
		return s.prize.WithTrx(tx).BatchCreate(ctx, ptrs)
	})
	if err != nil {
		log.Error("failed to create competition", zap.String("name", req.Name), zap.Error(err))
		return nil, err
	}

	c.Prizes = prizes
	log.Info("competition created", zap.String("competition_id", c.ID), zap.String("slug", c.Slug))
	return c, nil
}

func (s *Service) uniqueSlug(ctx context.Context, tx *gorm.DB, name, id string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "competition"
	}
	n, err := s.competition.WithTrx(tx).Count(ctx, &Competition{Slug: base})
	if err != nil {
		return "", err
	}
	if n == 0 {
		return base, nil
	}
	return fmt.Sprintf("%s-%s", base, id[len(id)-6:]), nil
}

// buildPrizes validates tiers: each 1 <= from <= to, no overlap, and at least one reward.
func buildPrizes(in []PrizeTierInput) ([]RankPrize, error) {
	out := make([]RankPrize, 0, len(in))
	for i, t := range in {
		field := fmt.Sprintf("prizes[%d]", i)
		if t.RankFrom < 1 || t.RankTo < t.RankFrom {
			return nil, errutil.BadRequest("invalid prize tier", nil, errutil.WithDetails(errutil.Detail{Field: field, Message: "rank_from must be >= 1 and <= rank_to"}))
		}

		points := decimal.Zero
		if t.PrizePoints != "" {
			points = decimal.RequireFromString(t.PrizePoints)
		}
		var tokenAmount decimal.NullDecimal
		if t.TokenAmount != "" {
			tokenAmount = decimal.NewNullDecimal(decimal.RequireFromString(t.TokenAmount))
		}

		p := RankPrize{
			RankFrom:    t.RankFrom,
			RankTo:      t.RankTo,
			PrizePoints: points,
			TokenSymbol: strings.ToUpper(strings.TrimSpace(t.TokenSymbol)),
			TokenAmount: tokenAmount,
		}
		if !p.PrizePoints.IsPositive() && !p.HasTokenPrize() {
			return nil, errutil.BadRequest("invalid prize tier", nil, errutil.WithDetails(errutil.Detail{Field: field, Message: "tier must award points or a token amount"}))
		}
		out = append(out, p)
	}

	sorted := make([]RankPrize, len(out))
	copy(sorted, out)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RankFrom < sorted[j].RankFrom })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].RankFrom <= sorted[i-1].RankTo {
			return nil, errutil.BadRequest("prize tiers overlap", nil, errutil.WithDetails(errutil.Detail{
				Field:   "prizes",
				Message: fmt.Sprintf("ranks %d-%d overlap %d-%d", sorted[i-1].RankFrom, sorted[i-1].RankTo, sorted[i].RankFrom, sorted[i].RankTo),
			}))
		}
	}

	return sorted, nil
}

// Get returns the competition with its prize tiers ordered by rank.
func (s *Service) Get(ctx context.Context, id string) (*Competition, error) {
	c, err := s.competition.FindOne(ctx, &Competition{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCompetitionNotFound
	}

	prizes, err := s.prize.Find(ctx, &RankPrize{CompetitionID: id}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "rank_from",
		OrderBy: "asc",
		Allow:   map[string]bool{"rank_from": true},
	}))
	if err != nil {
		return nil, err
	}
	c.Prizes = make([]RankPrize, 0, len(prizes))
	for _, p := range prizes {
		c.Prizes = append(c.Prizes, *p)
	}
	return c, nil
}

func (s *Service) GetBySlug(ctx context.Context, value string) (*Competition, error) {
	c, err := s.competition.FindOne(ctx, &Competition{Slug: value})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCompetitionNotFound
	}
	return s.Get(ctx, c.ID)
}

func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Competition, error) {
	return s.competition.Find(ctx, &Competition{Status: status})
}

// FindActiveForTrade returns ACTIVE competitions whose trade token is one of tokens and
// whose window contains at.
func (s *Service) FindActiveForTrade(ctx context.Context, tokens []string, at time.Time) ([]*Competition, error) {
	upper := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			upper = append(upper, t)
		}
	}
	if len(upper) == 0 {
		return nil, nil
	}

	found, err := s.competition.Find(ctx, &Competition{Status: StatusActive},
		option.ApplyOperator(option.Condition{Field: "trade_token", Operator: option.IN, Value: upper}),
	)
	if err != nil {
		return nil, err
	}

	// window filtering in Go keeps timestamp comparison independent of the dialect's time storage
	out := make([]*Competition, 0, len(found))
	for _, c := range found {
		if c.InWindow(at) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Transition moves a competition from its current status to `to` with a conditional update.
// A competition already in `to` yields ErrStatusChanged so callers can treat it as a no-op.
func (s *Service) Transition(ctx context.Context, id string, to Status) (*Competition, error) {
	c, err := s.competition.FindOne(ctx, &Competition{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCompetitionNotFound
	}

	return s.transitionFrom(ctx, c, c.Status, to)
}

// TransitionFrom is Transition with an explicit expected current status.
func (s *Service) TransitionFrom(ctx context.Context, id string, from, to Status) (*Competition, error) {
	c, err := s.competition.FindOne(ctx, &Competition{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCompetitionNotFound
	}
	return s.transitionFrom(ctx, c, from, to)
}

func (s *Service) transitionFrom(ctx context.Context, c *Competition, from, to Status) (*Competition, error) {
	log := logger.FromContext(ctx).With(
		zap.String("competition_id", c.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	if !from.CanTransitionTo(to) {
		if c.Status == to {
			return c, ErrStatusChanged
		}
		return nil, errutil.UnprocessableEntity("invalid status transition", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: fmt.Sprintf("%s -> %s is not allowed", from, to)}))
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&Competition{}).
		Where("id = ? AND status = ?", c.ID, from).
		Updates(map[string]any{"status": to, "updated_at": now})
	if res.Error != nil {
		log.Error("failed to update competition status", zap.Error(res.Error))
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		log.Info("status transition lost the race")
		return c, ErrStatusChanged
	}

	c.Status = to
	c.UpdatedAt = now
	log.Info("competition status changed")
	return c, nil
}
