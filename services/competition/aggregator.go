package competition

import (
	"context"

	"competition-engine/pkg/db/option"
	"competition-engine/pkg/errutil"
	"competition-engine/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreateParticipant returns the (competition, user) participant, creating it on first
// sight. Concurrent first trades of the same user converge on one row via the unique index.
func (s *Service) GetOrCreateParticipant(ctx context.Context, competitionID, userID string) (*Participant, error) {
	p, err := s.participant.FindOne(ctx, &Participant{CompetitionID: competitionID, UserID: userID})
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	now := s.now()
	seed := &Participant{
		ID:            s.node.Generate().String(),
		CompetitionID: competitionID,
		UserID:        userID,
		TotalVolume:   decimal.Zero,
		JoinedAt:      now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "competition_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(seed).Error; err != nil {
		return nil, err
	}

	p, err = s.participant.FindOne(ctx, &Participant{CompetitionID: competitionID, UserID: userID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.Internal("participant missing after upsert", nil)
	}
	return p, nil
}

// UpdateTotals recomputes total_volume and trade_count of a participant from its trade rows.
// It runs inside the caller's transaction, after the trade insert.
func (s *Service) UpdateTotals(ctx context.Context, tx *gorm.DB, participantID string) (*Participant, error) {
	trades, err := s.trade.WithTrx(tx).Find(ctx, &CompetitionTrade{ParticipantID: participantID})
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.VolumeUSD)
	}
	count := int64(len(trades))

	now := s.now()
	if err := s.participant.WithTrx(tx).Update(ctx, participantID, &map[string]any{
		"total_volume": total,
		"trade_count":  count,
		"updated_at":   now,
	}); err != nil {
		logger.FromContext(ctx).Error("failed to update participant totals", zap.String("participant_id", participantID), zap.Error(err))
		return nil, err
	}

	p, err := s.participant.WithTrx(tx).FindOne(ctx, &Participant{ID: participantID})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordTrade inserts the trade and refreshes its participant's totals in one transaction.
// A duplicate (competition, source trade) surfaces as gorm.ErrDuplicatedKey.
func (s *Service) RecordTrade(ctx context.Context, trade *CompetitionTrade) (*Participant, error) {
	var updated *Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if trade.ID == "" {
			trade.ID = s.node.Generate().String()
		}
		if trade.RecordedAt.IsZero() {
			trade.RecordedAt = s.now()
		}
		if err := s.trade.WithTrx(tx).Create(ctx, trade); err != nil {
			return err
		}

		var err error
		updated, err = s.UpdateTotals(ctx, tx, trade.ParticipantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) TradeExists(ctx context.Context, competitionID, sourceTradeID string) (bool, error) {
	n, err := s.trade.Count(ctx, &CompetitionTrade{CompetitionID: competitionID, SourceTradeID: sourceTradeID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Service) GetParticipant(ctx context.Context, competitionID, userID string) (*Participant, error) {
	return s.participant.FindOne(ctx, &Participant{CompetitionID: competitionID, UserID: userID})
}

// ListParticipants returns every participant of a competition, unordered.
func (s *Service) ListParticipants(ctx context.Context, competitionID string) ([]*Participant, error) {
	return s.participant.Find(ctx, &Participant{CompetitionID: competitionID})
}

// RankedUnclaimed returns ranked participants whose prize has not been claimed, by rank.
func (s *Service) RankedUnclaimed(ctx context.Context, competitionID string) ([]*Participant, error) {
	return s.participant.Find(ctx, &Participant{CompetitionID: competitionID},
		option.ApplyOperator(
			option.Condition{Field: "rank", Operator: option.IS_NOT_NULL},
			option.Condition{Field: "prize_claimed", Operator: option.EQ, Value: false},
		),
		option.WithSortBy(option.QuerySortBy{SortBy: "rank", OrderBy: "asc", Allow: map[string]bool{"rank": true}}),
	)
}

// ClaimPrize flips prize_claimed false->true inside tx. It reports false when another
// run already claimed it.
func (s *Service) ClaimPrize(ctx context.Context, tx *gorm.DB, participantID string) (bool, error) {
	now := s.now()
	res := tx.WithContext(ctx).Model(&Participant{}).
		Where("id = ? AND prize_claimed = ?", participantID, false).
		Updates(map[string]any{
			"prize_claimed":    true,
			"prize_claimed_at": now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
