package competition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"competition-engine/pkg/errutil"
	"competition-engine/pkg/taskname"
	"competition-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type cacheSpy struct {
	mu    sync.Mutex
	calls []string
}

func (c *cacheSpy) InvalidateCompetition(_ context.Context, competitionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, competitionID)
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	recorder *testutil.Recorder
	cache    *cacheSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	rec := &testutil.Recorder{}
	spy := &cacheSpy{}
	svc, err := NewService(ServiceParams{DB: db, Node: node, Emitter: rec, Cache: spy})
	require.NoError(t, err)
	return &fixture{svc: svc, db: db, recorder: rec, cache: spy}
}

func (f *fixture) activeCompetition(t *testing.T, token string, prizes ...PrizeTierInput) *Competition {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.Create(ctx, CreateRequest{
		Name:       "Weekly " + token,
		TradeToken: token,
		StartDate:  time.Now().Add(-time.Hour),
		EndDate:    time.Now().Add(time.Hour),
		Prizes:     prizes,
	})
	require.NoError(t, err)
	c, err = f.svc.Transition(ctx, c.ID, StatusActive)
	require.NoError(t, err)
	return c
}

func (f *fixture) trade(t *testing.T, c *Competition, userID, sourceID, volume string) *Participant {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.GetOrCreateParticipant(ctx, c.ID, userID)
	require.NoError(t, err)
	updated, err := f.svc.RecordTrade(ctx, &CompetitionTrade{
		CompetitionID: c.ID,
		SourceTradeID: sourceID,
		ParticipantID: p.ID,
		UserID:        userID,
		VolumeUSD:     decimal.RequireFromString(volume),
		TokenTraded:   c.TradeToken,
		TokenAmount:   decimal.NewFromInt(1),
		TradeType:     TradeTypeBuy,
		TradedAt:      time.Now(),
	})
	require.NoError(t, err)
	return updated
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Now()

	t.Run("stores draft with sorted tiers and slug", func(t *testing.T) {
		c, err := f.svc.Create(ctx, CreateRequest{
			Name:       "Summer Volume Race",
			TradeToken: " sol ",
			StartDate:  start,
			EndDate:    start.Add(24 * time.Hour),
			Prizes: []PrizeTierInput{
				{RankFrom: 4, RankTo: 10, PrizePoints: "100"},
				{RankFrom: 1, RankTo: 1, PrizePoints: "1000", TokenSymbol: "usdc", TokenAmount: "50"},
				{RankFrom: 2, RankTo: 3, PrizePoints: "500"},
			},
		})
		require.NoError(t, err)
		require.Equal(t, StatusDraft, c.Status)
		require.Equal(t, "SOL", c.TradeToken)
		require.Equal(t, "summer-volume-race", c.Slug)

		got, err := f.svc.Get(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, got.Prizes, 3)
		require.Equal(t, 1, got.Prizes[0].RankFrom)
		require.True(t, got.Prizes[0].HasTokenPrize())
		require.Equal(t, "USDC", got.Prizes[0].TokenSymbol)
		require.Equal(t, 500, int(got.PrizeFor(3).PrizePoints.IntPart()))
		require.Nil(t, got.PrizeFor(11))

		bySlug, err := f.svc.GetBySlug(ctx, "summer-volume-race")
		require.NoError(t, err)
		require.Equal(t, c.ID, bySlug.ID)
	})

	t.Run("duplicate name gets a suffixed slug", func(t *testing.T) {
		c, err := f.svc.Create(ctx, CreateRequest{Name: "Summer Volume Race", TradeToken: "SOL", StartDate: start, EndDate: start.Add(time.Hour)})
		require.NoError(t, err)
		require.NotEqual(t, "summer-volume-race", c.Slug)
		require.Contains(t, c.Slug, "summer-volume-race-")
	})

	cases := []struct {
		name string
		req  CreateRequest
		code errutil.CoreStatus
	}{
		{
			name: "missing name",
			req:  CreateRequest{TradeToken: "SOL", StartDate: start, EndDate: start.Add(time.Hour)},
			code: errutil.StatusValidationFailed,
		},
		{
			name: "end before start",
			req:  CreateRequest{Name: "x", TradeToken: "SOL", StartDate: start, EndDate: start.Add(-time.Hour)},
			code: errutil.StatusBadRequest,
		},
		{
			name: "overlapping tiers",
			req: CreateRequest{Name: "x", TradeToken: "SOL", StartDate: start, EndDate: start.Add(time.Hour), Prizes: []PrizeTierInput{
				{RankFrom: 1, RankTo: 3, PrizePoints: "10"},
				{RankFrom: 3, RankTo: 5, PrizePoints: "5"},
			}},
			code: errutil.StatusBadRequest,
		},
		{
			name: "inverted tier",
			req: CreateRequest{Name: "x", TradeToken: "SOL", StartDate: start, EndDate: start.Add(time.Hour), Prizes: []PrizeTierInput{
				{RankFrom: 5, RankTo: 2, PrizePoints: "10"},
			}},
			code: errutil.StatusBadRequest,
		},
		{
			name: "empty tier",
			req: CreateRequest{Name: "x", TradeToken: "SOL", StartDate: start, EndDate: start.Add(time.Hour), Prizes: []PrizeTierInput{
				{RankFrom: 1, RankTo: 1},
			}},
			code: errutil.StatusBadRequest,
		},
		{
			name: "bad qualification rule",
			req:  CreateRequest{Name: "x", TradeToken: "SOL", StartDate: start, EndDate: start.Add(time.Hour), QualificationExpr: "volume_usd >"},
			code: errutil.StatusBadRequest,
		},
		{
			name: "non boolean qualification rule",
			req:  CreateRequest{Name: "x", TradeToken: "SOL", StartDate: start, EndDate: start.Add(time.Hour), QualificationExpr: "volume_usd * 2.0"},
			code: errutil.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			require.Error(t, err)
			require.Equal(t, tc.code, errutil.StatusOf(err))
		})
	}
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, CreateRequest{Name: "Lifecycle", TradeToken: "ETH", StartDate: time.Now(), EndDate: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, c.ID, StatusEnded)
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))

	got, err := f.svc.Transition(ctx, c.ID, StatusActive)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	// repeating a finished transition is reported, not applied twice
	got, err = f.svc.Transition(ctx, c.ID, StatusActive)
	require.ErrorIs(t, err, ErrStatusChanged)
	require.Equal(t, StatusActive, got.Status)

	// stale expected status loses the conditional update
	_, err = f.svc.TransitionFrom(ctx, c.ID, StatusDraft, StatusCancelled)
	require.ErrorIs(t, err, ErrStatusChanged)

	_, err = f.svc.Transition(ctx, c.ID, StatusEnded)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, StatusCancelled)
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))

	_, err = f.svc.Transition(ctx, "missing", StatusActive)
	require.ErrorIs(t, err, ErrCompetitionNotFound)

	require.True(t, StatusCancelled.IsTerminal())
	require.True(t, StatusPrizesDistributed.IsTerminal())
	require.False(t, StatusEnded.IsTerminal())
}

func TestFindActiveForTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sol := f.activeCompetition(t, "SOL")
	f.activeCompetition(t, "BONK")

	draft, err := f.svc.Create(ctx, CreateRequest{Name: "Draft SOL", TradeToken: "SOL", StartDate: time.Now().Add(-time.Hour), EndDate: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	found, err := f.svc.FindActiveForTrade(ctx, []string{"sol", "USDC"}, time.Now())
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, sol.ID, found[0].ID)
	require.NotEqual(t, draft.ID, found[0].ID)

	found, err = f.svc.FindActiveForTrade(ctx, []string{"SOL"}, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, found)

	found, err = f.svc.FindActiveForTrade(ctx, nil, time.Now())
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestAggregator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.activeCompetition(t, "SOL")

	p1, err := f.svc.GetOrCreateParticipant(ctx, c.ID, "alice")
	require.NoError(t, err)
	p2, err := f.svc.GetOrCreateParticipant(ctx, c.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID)

	f.trade(t, c, "alice", "t-1", "100")
	updated := f.trade(t, c, "alice", "t-2", "250.5")
	require.True(t, updated.TotalVolume.Equal(decimal.RequireFromString("350.5")), updated.TotalVolume.String())
	require.EqualValues(t, 2, updated.TradeCount)

	exists, err := f.svc.TradeExists(ctx, c.ID, "t-1")
	require.NoError(t, err)
	require.True(t, exists)

	// a replayed source trade hits the unique index and leaves totals untouched
	_, err = f.svc.RecordTrade(ctx, &CompetitionTrade{
		CompetitionID: c.ID,
		SourceTradeID: "t-1",
		ParticipantID: p1.ID,
		UserID:        "alice",
		VolumeUSD:     decimal.NewFromInt(100),
		TradeType:     TradeTypeBuy,
		TradedAt:      time.Now(),
	})
	require.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "got %v", err)

	got, err := f.svc.GetParticipant(ctx, c.ID, "alice")
	require.NoError(t, err)
	require.True(t, got.TotalVolume.Equal(decimal.RequireFromString("350.5")))
	require.EqualValues(t, 2, got.TradeCount)
}

func TestGetOrCreateParticipantConcurrent(t *testing.T) {
	f := newFixture(t)
	c := f.activeCompetition(t, "SOL")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.svc.GetOrCreateParticipant(context.Background(), c.ID, "bob")
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	all, err := f.svc.ListParticipants(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRecomputeRanks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.activeCompetition(t, "SOL")

	f.trade(t, c, "alice", "t-1", "500")
	f.trade(t, c, "bob", "t-2", "800")
	f.trade(t, c, "carol", "t-3", "500")
	_, err := f.svc.GetOrCreateParticipant(ctx, c.ID, "dave")
	require.NoError(t, err)

	changes, err := f.svc.RecomputeRanks(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, []string{c.ID}, f.cache.calls)

	ranks := map[string]*int{}
	all, err := f.svc.ListParticipants(ctx, c.ID)
	require.NoError(t, err)
	for _, p := range all {
		ranks[p.UserID] = p.Rank
	}
	require.Equal(t, 1, *ranks["bob"])
	// alice joined first, so her participant id is lower and wins the tie
	require.Equal(t, 2, *ranks["alice"])
	require.Equal(t, 3, *ranks["carol"])
	require.Nil(t, ranks["dave"])

	stored, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RanksComputedAt)

	// nothing moved, nothing reported
	changes, err = f.svc.RecomputeRanks(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, changes)

	f.trade(t, c, "carol", "t-4", "400")
	changes, err = f.svc.RecomputeRanks(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	ranked, err := f.svc.RankedParticipants(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	require.Equal(t, "carol", ranked[0].UserID)
	require.Equal(t, "bob", ranked[1].UserID)
	require.Equal(t, "alice", ranked[2].UserID)

	_, err = f.svc.RecomputeRanks(ctx, "missing")
	require.ErrorIs(t, err, ErrCompetitionNotFound)
}

func TestLessID(t *testing.T) {
	require.True(t, lessID("99", "100"))
	require.True(t, lessID("100", "101"))
	require.False(t, lessID("101", "101"))
}

func TestClassify(t *testing.T) {
	one, two := 1, 2
	cases := []struct {
		name     string
		old, new *int
		want     Direction
	}{
		{"unranked stays unranked", nil, nil, DirectionNoChange},
		{"same rank", &two, &two, DirectionNoChange},
		{"first rank", nil, &two, DirectionNewEntry},
		{"climbs", &two, &one, DirectionUp},
		{"drops", &one, &two, DirectionDown},
		{"falls out", &one, nil, DirectionDown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.old, tc.new))
		})
	}
}

func TestTrackRankChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	three, five := 3, 5

	dir := f.svc.TrackRankChange(ctx, "alice", "c-1", &five, &five, decimal.NewFromInt(10))
	require.Equal(t, DirectionNoChange, dir)
	require.Empty(t, f.recorder.ByType(taskname.CompetitionRankChanged))

	dir = f.svc.TrackRankChange(ctx, "alice", "c-1", &five, &three, decimal.NewFromInt(10))
	require.Equal(t, DirectionUp, dir)

	events := f.recorder.ByType(taskname.CompetitionRankChanged)
	require.Len(t, events, 1)
	var payload taskname.RankChangedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	require.Equal(t, "alice", payload.UserID)
	require.Equal(t, "UP", payload.Direction)
	require.Equal(t, 5, *payload.OldRank)
	require.Equal(t, 3, *payload.NewRank)
	require.Equal(t, "10", payload.VolumeDelta)
}

func TestClaimPrize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.activeCompetition(t, "SOL")
	p := f.trade(t, c, "alice", "t-1", "10")
	_, err := f.svc.RecomputeRanks(ctx, c.ID)
	require.NoError(t, err)

	unclaimed, err := f.svc.RankedUnclaimed(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)

	claimed, err := f.svc.ClaimPrize(ctx, f.db, p.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = f.svc.ClaimPrize(ctx, f.db, p.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	unclaimed, err = f.svc.RankedUnclaimed(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, unclaimed)
}

func TestQualificationRule(t *testing.T) {
	rules, err := NewRuleEvaluator()
	require.NoError(t, err)

	c := &Competition{QualificationExpr: `volume_usd >= 100.0 && trade_type == "BUY"`}
	ok, err := rules.Qualifies(c, TradeFacts{VolumeUSD: decimal.NewFromInt(150), TradeType: TradeTypeBuy, TradedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rules.Qualifies(c, TradeFacts{VolumeUSD: decimal.NewFromInt(50), TradeType: TradeTypeBuy, TradedAt: time.Now()})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = rules.Qualifies(&Competition{}, TradeFacts{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAssignRanksIgnoresInputOrder(t *testing.T) {
	seed := func() []*Participant {
		return []*Participant{
			{ID: "1001", UserID: "alice", TotalVolume: decimal.NewFromInt(500)},
			{ID: "1002", UserID: "bob", TotalVolume: decimal.NewFromInt(800)},
			{ID: "1003", UserID: "carol", TotalVolume: decimal.NewFromInt(500)},
			{ID: "999", UserID: "erin", TotalVolume: decimal.NewFromInt(500)},
			{ID: "1004", UserID: "dave", TotalVolume: decimal.Zero},
			{ID: "1005", UserID: "frank", TotalVolume: decimal.NewFromInt(800)},
		}
	}
	ranksOf := func(ps []*Participant) map[string]int {
		out := map[string]int{}
		for _, p := range ps {
			if p.Rank != nil {
				out[p.UserID] = *p.Rank
			}
		}
		return out
	}

	want := map[string]int{"bob": 1, "frank": 2, "erin": 3, "alice": 4, "carol": 5}

	orders := []struct {
		name  string
		order []int
	}{
		{"insertion", []int{0, 1, 2, 3, 4, 5}},
		{"reversed", []int{5, 4, 3, 2, 1, 0}},
		{"ties interleaved", []int{2, 5, 0, 4, 3, 1}},
		{"zero first", []int{4, 3, 2, 0, 1, 5}},
	}
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 20; i++ {
		orders = append(orders, struct {
			name  string
			order []int
		}{fmt.Sprintf("shuffle %d", i), rng.Perm(6)})
	}

	for _, tc := range orders {
		t.Run(tc.name, func(t *testing.T) {
			base := seed()
			in := make([]*Participant, 0, len(base))
			for _, i := range tc.order {
				in = append(in, base[i])
			}
			changes := assignRanks(in)
			require.Equal(t, want, ranksOf(in))
			require.Len(t, changes, len(want))
		})
	}
}
