package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"competition-engine/pkg/config"
	"competition-engine/pkg/db/option"
	"competition-engine/pkg/errutil"
	"competition-engine/pkg/lock"
	"competition-engine/pkg/repository"
	"competition-engine/pkg/taskname"
	"competition-engine/services/referral"
	"competition-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	batchUpdateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if m.batchUpdateFn != nil {
		return m.batchUpdateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query)
	}
	return 0, nil
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	referral *referral.Service
	recorder *testutil.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &PointBalance{}, &PointLogEntry{}, &referral.ReferralRelation{}, &referral.ReferralPoints{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Ledger.ReferralUpliftPercent = 10
	cfg.Ledger.LockTimeout = 5 * time.Second

	ref := referral.NewService(referral.ServiceParams{DB: db, Node: node})
	rec := &testutil.Recorder{}

	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Locker:   lock.NewLocalLocker(),
		Referral: ref,
		Emitter:  rec,
	})

	return &fixture{svc: svc, db: db, referral: ref, recorder: rec}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewService(t *testing.T) {
	db := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{DB: db, Node: node, Locker: lock.NewLocalLocker()})

	require.NotNil(t, svc.balance)
	require.NotNil(t, svc.entries)
	require.NotNil(t, svc.emitter)
	require.True(t, svc.upliftPercent.Equal(decimal.NewFromInt(10)))
}

func TestIncrease_NoReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	balance, entry, err := f.svc.Increase(ctx, Params{
		UserID:    "u1",
		Amount:    dec("100"),
		PointType: PointTypeCore,
		LogType:   LogTypeFromCore,
	})
	require.NoError(t, err)
	require.True(t, dec("100").Equal(balance.Amount))
	require.True(t, dec("100").Equal(entry.Amount))
	require.Empty(t, entry.ReferralID)
	require.Equal(t, int64(1), entry.Sequence)

	entries, err := f.svc.ListEntries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.Len(t, f.recorder.ByType(taskname.LedgerAchievementCheck), 1)
}

func TestIncrease_WithReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Link(ctx, "r1", "u1")
	require.NoError(t, err)

	balance, entry, err := f.svc.Increase(ctx, Params{
		UserID:    "u1",
		Amount:    dec("100"),
		PointType: PointTypeCore,
		LogType:   LogTypeFromCore,
	})
	require.NoError(t, err)
	require.True(t, dec("110").Equal(balance.Amount), balance.Amount.String())
	require.True(t, dec("110").Equal(entry.Amount), entry.Amount.String())
	require.Equal(t, "r1", entry.ReferralID)

	points, err := f.referral.GetReferralPoints(ctx, "r1")
	require.NoError(t, err)
	require.True(t, dec("100").Equal(points), points.String())

	// the referrer's own balance is untouched
	rb, err := f.svc.GetBalance(ctx, "r1")
	require.NoError(t, err)
	require.True(t, rb.Amount.IsZero())
}

func TestIncrease_ReferralExemptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Link(ctx, "r1", "u1")
	require.NoError(t, err)

	_, entry, err := f.svc.Increase(ctx, Params{
		UserID:         "u1",
		Amount:         dec("500"),
		PointType:      PointTypeQuest,
		LogType:        LogTypeCompetitionPrize,
		BypassReferral: true,
	})
	require.NoError(t, err)
	require.True(t, dec("500").Equal(entry.Amount))
	require.Empty(t, entry.ReferralID)

	_, entry, err = f.svc.Increase(ctx, Params{
		UserID:    "u1",
		Amount:    dec("20"),
		PointType: PointTypeReferral,
		LogType:   LogTypeFromCore,
	})
	require.NoError(t, err)
	require.True(t, dec("20").Equal(entry.Amount))

	points, err := f.referral.GetReferralPoints(ctx, "r1")
	require.NoError(t, err)
	require.True(t, points.IsZero())
}

func TestIncrease_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Increase(ctx, Params{UserID: "u1", Amount: dec("0"), PointType: PointTypeCore, LogType: LogTypeFromCore})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = f.svc.Increase(ctx, Params{UserID: "u1", Amount: dec("1"), PointType: "BOGUS", LogType: LogTypeFromCore})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, _, err = f.svc.Increase(ctx, Params{Amount: dec("1"), PointType: PointTypeCore, LogType: LogTypeFromCore})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestDecrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Increase(ctx, Params{UserID: "u1", Amount: dec("100"), PointType: PointTypeCore, LogType: LogTypeFromCore})
	require.NoError(t, err)

	balance, entry, err := f.svc.Decrease(ctx, Params{UserID: "u1", Amount: dec("40.5"), PointType: PointTypeCore, LogType: LogTypeRedeem})
	require.NoError(t, err)
	require.True(t, dec("59.5").Equal(balance.Amount), balance.Amount.String())
	require.True(t, dec("-40.5").Equal(entry.Amount))
	require.Equal(t, int64(2), entry.Sequence)

	// achievement checks only follow credits
	require.Len(t, f.recorder.ByType(taskname.LedgerAchievementCheck), 1)
}

func TestDecrease_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Increase(ctx, Params{UserID: "u1", Amount: dec("10"), PointType: PointTypeCore, LogType: LogTypeFromCore})
	require.NoError(t, err)

	_, _, err = f.svc.Decrease(ctx, Params{UserID: "u1", Amount: dec("10.01"), PointType: PointTypeCore, LogType: LogTypeRedeem})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))

	balance, err := f.svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, dec("10").Equal(balance.Amount))

	entries, err := f.svc.ListEntries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDecrease_UnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Decrease(ctx, Params{UserID: "ghost", Amount: dec("1"), PointType: PointTypeCore, LogType: LogTypeRedeem})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	var count int64
	require.NoError(t, f.db.Model(&PointBalance{}).Where("user_id = ?", "ghost").Count(&count).Error)
	require.Zero(t, count)
}

func TestIncreaseWith_RollsBackOnCallbackError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fence := errors.New("already claimed")

	_, _, err := f.svc.IncreaseWith(ctx, Params{UserID: "u1", Amount: dec("500"), PointType: PointTypeQuest, LogType: LogTypeCompetitionPrize}, func(tx *gorm.DB) error {
		return fence
	})
	require.ErrorIs(t, err, fence)

	balance, err := f.svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, balance.Amount.IsZero())

	entries, err := f.svc.ListEntries(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Empty(t, f.recorder.ByType(taskname.LedgerAchievementCheck))
}

func TestIncrease_ConcurrentConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Link(ctx, "r1", "u1")
	require.NoError(t, err)

	const workers = 20
	types := []PointType{PointTypeCore, PointTypeQuest, PointTypeSystem}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := f.svc.Increase(ctx, Params{
				UserID:      "u1",
				Amount:      dec("10"),
				PointType:   types[i%len(types)],
				LogType:     LogTypeFromCore,
				ReferenceID: fmt.Sprintf("ref-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	v, err := f.svc.VerifyBalance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, v.Consistent)
	require.True(t, v.ChainValid)
	require.Equal(t, workers, v.Entries)
	require.True(t, dec("220").Equal(v.Balance), v.Balance.String())

	points, err := f.referral.GetReferralPoints(ctx, "r1")
	require.NoError(t, err)
	require.True(t, dec("200").Equal(points), points.String())
}

func TestVerifyBalance_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, entry, err := f.svc.Increase(ctx, Params{UserID: "u1", Amount: dec("100"), PointType: PointTypeCore, LogType: LogTypeFromCore})
	require.NoError(t, err)
	_, _, err = f.svc.Increase(ctx, Params{UserID: "u1", Amount: dec("5"), PointType: PointTypeCore, LogType: LogTypeFromCore})
	require.NoError(t, err)

	v, err := f.svc.VerifyBalance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, v.Consistent)
	require.True(t, v.ChainValid)

	require.NoError(t, f.db.Model(&PointLogEntry{}).Where("id = ?", entry.ID).Update("amount", dec("1000")).Error)

	v, err = f.svc.VerifyBalance(ctx, "u1")
	require.NoError(t, err)
	require.False(t, v.Consistent)
	require.False(t, v.ChainValid)
}

type failingLocker struct{}

func (failingLocker) Acquire(ctx context.Context, key string, opts lock.Options) (lock.Unlock, error) {
	return nil, fmt.Errorf("%s: %w", key, lock.ErrLockTimeout)
}

func TestIncrease_LockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.svc.locker = failingLocker{}

	_, _, err := f.svc.Increase(context.Background(), Params{UserID: "u1", Amount: dec("1"), PointType: PointTypeCore, LogType: LogTypeFromCore})
	require.ErrorIs(t, err, lock.ErrLockTimeout)
	require.True(t, errutil.IsRetryable(err))
}

func TestGetBalance_RepositoryError(t *testing.T) {
	boom := errors.New("db down")
	svc := &Service{
		balance: &repoMock[PointBalance]{
			findOneFn: func(ctx context.Context, _ *PointBalance, opts ...option.QueryOption) (*PointBalance, error) {
				return nil, boom
			},
		},
	}

	_, err := svc.GetBalance(context.Background(), "u1")
	require.ErrorIs(t, err, boom)
}

func TestGetBalance_NoHistory(t *testing.T) {
	svc := &Service{balance: &repoMock[PointBalance]{}}

	balance, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", balance.UserID)
	require.True(t, balance.Amount.IsZero())
}

func TestLogEntryHash(t *testing.T) {
	first := &PointLogEntry{ID: "1", UserID: "u1", Sequence: 1, Amount: dec("100"), PointType: PointTypeCore, LogType: LogTypeFromCore, PreviousHash: genesisHash}
	first.Hash = first.GenerateHash()

	again := *first
	require.Equal(t, first.Hash, again.GenerateHash())

	again.Amount = dec("101")
	require.NotEqual(t, first.Hash, again.GenerateHash())
}
