package referral

import (
	"context"
	"time"

	"competition-engine/pkg/errutil"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	relation repository.Repository[ReferralRelation]
	points   repository.Repository[ReferralPoints]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		relation: repository.ProvideStore[ReferralRelation](p.DB),
		points:   repository.ProvideStore[ReferralPoints](p.DB),
	}
}

// GetActiveReferrer returns the referrer of userID, or "" if there is none or the relation is inactive.
func (s *Service) GetActiveReferrer(ctx context.Context, userID string) (string, error) {
	rel, err := s.relation.FindOne(ctx, &ReferralRelation{ReferredID: userID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query referral relation", zap.String("user_id", userID), zap.Error(err))
		return "", err
	}
	if rel == nil || !rel.Active {
		return "", nil
	}
	return rel.ReferrerID, nil
}

// CreditReferralPoints adds amount to the referrer's counter inside tx. The counter row is
// created on first credit with a single upsert, so concurrent first credits from different
// referred users both land.
func (s *Service) CreditReferralPoints(ctx context.Context, tx *gorm.DB, referrerID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}

	now := time.Now()
	row := &ReferralPoints{
		ID:         s.node.Generate().String(),
		ReferrerID: referrerID,
		Amount:     amount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "referrer_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"amount":     gorm.Expr(accumulate(tx.Dialector.Name()), amount),
			"updated_at": now,
		}),
	}).Create(row).Error
}

// accumulate adds the conflicting insert's amount to the stored one. MySQL has no
// EXCLUDED row, so the increment is bound as a parameter for every dialect.
func accumulate(dialect string) string {
	if dialect == "mysql" {
		return "amount + ?"
	}
	return "referral_points.amount + ?"
}

func (s *Service) GetReferralPoints(ctx context.Context, referrerID string) (decimal.Decimal, error) {
	row, err := s.points.FindOne(ctx, &ReferralPoints{ReferrerID: referrerID})
	if err != nil {
		return decimal.Zero, err
	}
	if row == nil {
		return decimal.Zero, nil
	}
	return row.Amount, nil
}

// Link records that referrerID referred referredID.
func (s *Service) Link(ctx context.Context, referrerID, referredID string) (*ReferralRelation, error) {
	if referrerID == "" || referredID == "" {
		return nil, errutil.BadRequest("referrer and referred user are required", nil)
	}
	if referrerID == referredID {
		return nil, errutil.BadRequest("a user cannot refer themselves", nil)
	}

	now := time.Now()
	rel := &ReferralRelation{
		ID:         s.node.Generate().String(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.relation.Create(ctx, rel); err != nil {
		if errutil.IsDuplicateKey(err) {
			return nil, errutil.Conflict("user already has a referrer", err)
		}
		return nil, err
	}
	return rel, nil
}

func (s *Service) Deactivate(ctx context.Context, referredID string) error {
	rel, err := s.relation.FindOne(ctx, &ReferralRelation{ReferredID: referredID})
	if err != nil {
		return err
	}
	if rel == nil {
		return errutil.NotFound("referral relation not found", nil)
	}

	return s.relation.Update(ctx, rel.ID, &map[string]any{
		"active":     false,
		"updated_at": time.Now(),
	})
}
