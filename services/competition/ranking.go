package competition

import (
	"context"
	"sort"
	"time"

	"competition-engine/pkg/db/option"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecomputeRanks assigns ranks 1..N over participants with positive volume, ordered by
// total_volume desc then participant id asc. Zero-volume participants are unranked.
// Concurrent recomputes of one competition serialize on the competition row.
func (s *Service) RecomputeRanks(ctx context.Context, competitionID string) ([]RankChange, error) {
	log := logger.FromContext(ctx).With(zap.String("competition_id", competitionID))

	var changes []RankChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.competition.WithTrx(tx).FindOne(ctx, &Competition{ID: competitionID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCompetitionNotFound
		}

		participants, err := s.participant.WithTrx(tx).Find(ctx, &Participant{CompetitionID: competitionID})
		if err != nil {
			return err
		}

		changes = assignRanks(participants)
		for _, ch := range changes {
			if err := s.participant.WithTrx(tx).Update(ctx, ch.ParticipantID, &map[string]any{
				"rank":       ch.NewRank,
				"updated_at": s.now(),
			}); err != nil {
				return err
			}
		}

		return tx.Model(&Competition{}).Where("id = ?", competitionID).
			Update("ranks_computed_at", s.now()).Error
	})
	if err != nil {
		log.Error("failed to recompute ranks", zap.Error(err))
		return nil, err
	}

	s.cache.InvalidateCompetition(ctx, competitionID)
	log.Debug("ranks recomputed", zap.Int("changed", len(changes)))
	return changes, nil
}

// assignRanks sorts participants in place and returns those whose rank differs from the
// stored one. Rank fields of participants are updated to the new values.
func assignRanks(participants []*Participant) []RankChange {
	sort.SliceStable(participants, func(i, j int) bool {
		a, b := participants[i], participants[j]
		if cmp := a.TotalVolume.Cmp(b.TotalVolume); cmp != 0 {
			return cmp > 0
		}
		return lessID(a.ID, b.ID)
	})

	var changes []RankChange
	next := 1
	for _, p := range participants {
		var rank *int
		if p.TotalVolume.IsPositive() {
			r := next
			rank = &r
			next++
		}
		if !sameRank(p.Rank, rank) {
			changes = append(changes, RankChange{
				ParticipantID: p.ID,
				UserID:        p.UserID,
				OldRank:       p.Rank,
				NewRank:       rank,
			})
		}
		p.Rank = rank
	}
	return changes
}

// lessID orders decimal id strings numerically.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func sameRank(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Classify compares a participant's rank before and after a recompute.
func Classify(oldRank, newRank *int) Direction {
	switch {
	case sameRank(oldRank, newRank):
		return DirectionNoChange
	case oldRank == nil:
		return DirectionNewEntry
	case newRank == nil:
		return DirectionDown
	case *newRank < *oldRank:
		return DirectionUp
	default:
		return DirectionDown
	}
}

// TrackRankChange classifies the move and emits competition:rank_changed when the rank
// actually changed.
func (s *Service) TrackRankChange(ctx context.Context, userID, competitionID string, oldRank, newRank *int, volumeDelta decimal.Decimal) Direction {
	dir := Classify(oldRank, newRank)
	if dir == DirectionNoChange {
		return dir
	}

	s.emitter.Emit(ctx, taskname.CompetitionRankChanged, taskname.RankChangedPayload{
		UserID:        userID,
		CompetitionID: competitionID,
		OldRank:       oldRank,
		NewRank:       newRank,
		Direction:     string(dir),
		VolumeDelta:   volumeDelta.String(),
		OccurredAt:    time.Now().UTC(),
	}, asynq.Queue(taskname.QueueLow))
	return dir
}

// RankedParticipants returns the ranked participants of a competition ordered by rank.
func (s *Service) RankedParticipants(ctx context.Context, competitionID string) ([]*Participant, error) {
	return s.participant.Find(ctx, &Participant{CompetitionID: competitionID},
		option.ApplyOperator(option.Condition{Field: "rank", Operator: option.IS_NOT_NULL}),
		option.WithSortBy(option.QuerySortBy{SortBy: "rank", OrderBy: "asc", Allow: map[string]bool{"rank": true}}),
	)
}

// ActiveIDs returns the ids of competitions currently ACTIVE.
func (s *Service) ActiveIDs(ctx context.Context) ([]string, error) {
	active, err := s.ListByStatus(ctx, StatusActive)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(active))
	for _, c := range active {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// RankedPage returns one page of ranked participants and the number of ranked participants.
func (s *Service) RankedPage(ctx context.Context, competitionID string, offset, limit int) ([]*Participant, int64, error) {
	ranked := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&Participant{}).
			Where("competition_id = ?", competitionID).
			Scopes(option.ApplyOperator(option.Condition{Field: "rank", Operator: option.IS_NOT_NULL}))
	}

	var total int64
	if err := ranked().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []*Participant
	q := ranked().Scopes(
		option.WithSortBy(option.QuerySortBy{SortBy: "rank", OrderBy: "asc"}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
	if err := q.Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// AllParticipants returns participants with positive volume across every competition
// that was not cancelled.
func (s *Service) AllParticipants(ctx context.Context) ([]*Participant, error) {
	var out []*Participant
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Joins("JOIN competitions ON competitions.id = competition_participants.competition_id").
		Where("competitions.status <> ? AND competition_participants.trade_count > 0", StatusCancelled).
		Find(&out).Error
	return out, err
}
