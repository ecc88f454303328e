package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"competition-engine/pkg/db/pagination"
	"competition-engine/pkg/rediskey"
	"competition-engine/services/competition"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"golang.org/x/sync/singleflight"
)

type Service struct {
	competitions *competition.Service
	cache        *Cache
	display      DisplayResolver
	group        singleflight.Group
	now          func() time.Time
}

type ServiceParams struct {
	fx.In
	Competitions *competition.Service
	Cache        *Cache
	Display      DisplayResolver `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		competitions: p.Competitions,
		cache:        p.Cache,
		display:      p.Display,
		now:          time.Now,
	}
	if s.display == nil {
		s.display = MaskResolver{}
	}
	return s
}

// computeTimeout bounds a shared page computation once it no longer follows the
// request that started it.
const computeTimeout = 10 * time.Second

// cached serves key from the cache, computing it at most once per key across
// concurrent misses. The computation is detached from the first caller's cancellation
// so the waiters collapsed onto it do not fail with that caller.
func (s *Service) cached(ctx context.Context, scope, key string, compute func(context.Context) (*Page, error)) (*Page, error) {
	if page, ok := s.cache.load(ctx, scope, key); ok {
		return page, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()

		page, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.save(ctx, key, page)
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Page), nil
}

// CompetitionLeaderboard returns one page of a competition's ranked participants,
// optionally with the prize tier each rank resolves to.
func (s *Service) CompetitionLeaderboard(ctx context.Context, competitionID string, q Query) (*Page, error) {
	p := q.Pagination.Normalize(s.cache.defaultLimit)
	key := rediskey.BuildLeaderboardKey(competitionID, p.Page, p.Limit, q.WithPrizes)

	return s.cached(ctx, competitionID, key, func(ctx context.Context) (*Page, error) {
		c, err := s.competitions.Get(ctx, competitionID)
		if err != nil {
			return nil, err
		}

		participants, total, err := s.competitions.RankedPage(ctx, competitionID, p.Offset(), p.Limit)
		if err != nil {
			return nil, fmt.Errorf("load ranked participants: %w", err)
		}

		rows := make([]Row, 0, len(participants))
		for _, part := range participants {
			row := Row{
				UserID:          part.UserID,
				DisplayIdentity: s.display.Display(ctx, part.UserID),
				TotalVolume:     part.TotalVolume,
				TradeCount:      part.TradeCount,
				Rank:            *part.Rank,
			}
			if q.WithPrizes {
				if tier := c.PrizeFor(row.Rank); tier != nil {
					row.Prize = &PrizeInfo{
						RankFrom:    tier.RankFrom,
						RankTo:      tier.RankTo,
						PrizePoints: tier.PrizePoints,
						TokenSymbol: tier.TokenSymbol,
						TokenAmount: tier.TokenAmount,
					}
				}
			}
			rows = append(rows, row)
		}

		return &Page{
			Scope: competitionID,
			Rows:  rows,
			PageInfo: &pagination.PageInfo{
				Page:    p.Page,
				Limit:   p.Limit,
				Total:   total,
				HasMore: int64(p.Offset()+len(rows)) < total,
			},
			GeneratedAt: s.now().UTC(),
		}, nil
	})
}

type globalTotals struct {
	userID string
	volume decimal.Decimal
	trades int64
}

// GlobalLeaderboard sums volume and trade count per user over every non-cancelled
// competition and ranks users by summed volume, ties by user id.
func (s *Service) GlobalLeaderboard(ctx context.Context, q Query) (*Page, error) {
	p := q.Pagination.Normalize(s.cache.globalLimit)
	key := rediskey.BuildLeaderboardKey(rediskey.GlobalScope, p.Page, p.Limit, false)

	return s.cached(ctx, rediskey.GlobalScope, key, func(ctx context.Context) (*Page, error) {
		participants, err := s.competitions.AllParticipants(ctx)
		if err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}

		byUser := map[string]*globalTotals{}
		for _, part := range participants {
			t, ok := byUser[part.UserID]
			if !ok {
				t = &globalTotals{userID: part.UserID, volume: decimal.Zero}
				byUser[part.UserID] = t
			}
			t.volume = t.volume.Add(part.TotalVolume)
			t.trades += part.TradeCount
		}

		totals := make([]*globalTotals, 0, len(byUser))
		for _, t := range byUser {
			if t.volume.IsPositive() {
				totals = append(totals, t)
			}
		}
		sort.Slice(totals, func(i, j int) bool {
			if cmp := totals[i].volume.Cmp(totals[j].volume); cmp != 0 {
				return cmp > 0
			}
			return totals[i].userID < totals[j].userID
		})

		window, info := pagination.Slice(totals, p)
		rows := make([]Row, 0, len(window))
		for i, t := range window {
			rows = append(rows, Row{
				UserID:          t.userID,
				DisplayIdentity: s.display.Display(ctx, t.userID),
				TotalVolume:     t.volume,
				TradeCount:      t.trades,
				Rank:            p.Offset() + i + 1,
			})
		}

		return &Page{
			Scope:       rediskey.GlobalScope,
			Rows:        rows,
			PageInfo:    info,
			GeneratedAt: s.now().UTC(),
		}, nil
	})
}

// Prewarm fills the default page of a competition.
func (s *Service) Prewarm(ctx context.Context, competitionID string) error {
	_, err := s.CompetitionLeaderboard(ctx, competitionID, Query{Pagination: pagination.Pagination{Page: 1, Limit: s.cache.defaultLimit}})
	return err
}

func (s *Service) PrewarmGlobal(ctx context.Context) error {
	_, err := s.GlobalLeaderboard(ctx, Query{Pagination: pagination.Pagination{Page: 1, Limit: s.cache.globalLimit}})
	return err
}
