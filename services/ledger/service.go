package ledger

import (
	"context"
	"encoding/json"
	"time"

	"competition-engine/pkg/config"
	"competition-engine/pkg/db/option"
	"competition-engine/pkg/errutil"
	"competition-engine/pkg/lock"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/outbox"
	"competition-engine/pkg/rediskey"
	"competition-engine/pkg/repository"
	"competition-engine/pkg/taskname"
	"competition-engine/pkg/validation"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientBalance = errutil.UnprocessableEntity("insufficient balance", nil)
	ErrInvalidAmount       = errutil.BadRequest("amount must be greater than zero", nil)
)

// ReferralLookup is the referral collaborator of the ledger.
type ReferralLookup interface {
	GetActiveReferrer(ctx context.Context, userID string) (string, error)
	CreditReferralPoints(ctx context.Context, tx *gorm.DB, referrerID string, amount decimal.Decimal) error
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	locker   lock.Locker
	referral ReferralLookup
	emitter  outbox.Emitter

	balance repository.Repository[PointBalance]
	entries repository.Repository[PointLogEntry]

	upliftPercent decimal.Decimal
	lockOpts      lock.Options
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Locker   lock.Locker
	Referral ReferralLookup `optional:"true"`
	Emitter  outbox.Emitter `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:       p.DB,
		node:     p.Node,
		locker:   p.Locker,
		referral: p.Referral,
		emitter:  p.Emitter,

		balance: repository.ProvideStore[PointBalance](p.DB),
		entries: repository.ProvideStore[PointLogEntry](p.DB),

		upliftPercent: decimal.NewFromInt(10),
	}

	if p.Config != nil {
		s.upliftPercent = decimal.NewFromInt(int64(p.Config.Ledger.ReferralUpliftPercent))
		s.lockOpts = lock.Options{TTL: p.Config.Ledger.LockTTL, Wait: p.Config.Ledger.LockTimeout}
	}
	if s.emitter == nil {
		s.emitter = outbox.Noop{}
	}

	return s
}

// Increase credits p.Amount (plus the referral uplift when eligible) to the user.
func (s *Service) Increase(ctx context.Context, p Params) (*PointBalance, *PointLogEntry, error) {
	return s.IncreaseWith(ctx, p, nil)
}

// IncreaseWith is Increase with fn executed inside the ledger transaction. An error from fn
// rolls back the credit.
func (s *Service) IncreaseWith(ctx context.Context, p Params, fn func(tx *gorm.DB) error) (*PointBalance, *PointLogEntry, error) {
	log := logger.FromContext(ctx).With(
		zap.String("user_id", p.UserID),
		zap.String("point_type", string(p.PointType)),
		zap.String("log_type", string(p.LogType)),
	)

	if err := s.validate(p); err != nil {
		return nil, nil, err
	}

	var (
		balance *PointBalance
		entry   *PointLogEntry
	)

	err := lock.WithLock(ctx, s.locker, rediskey.BuildLedgerLockKey(p.UserID, string(p.PointType)), s.lockOpts, func(ctx context.Context) error {
		referrerID, err := s.activeReferrer(ctx, p)
		if err != nil {
			return err
		}

		effective := p.Amount
		meta := p.Metadata
		if referrerID != "" {
			uplift := p.Amount.Mul(s.upliftPercent).Div(decimal.NewFromInt(100)).Round(18)
			effective = p.Amount.Add(uplift)
			meta = withMetadata(p.Metadata, map[string]any{
				"base_amount":    p.Amount.String(),
				"referral_bonus": uplift.String(),
			})
		}

		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			balance, entry, err = s.apply(ctx, tx, p, effective, referrerID, meta)
			if err != nil {
				return err
			}

			if referrerID != "" {
				if err := s.referral.CreditReferralPoints(ctx, tx, referrerID, p.Amount); err != nil {
					log.Error("failed to credit referral points", zap.String("referrer_id", referrerID), zap.Error(err))
					return err
				}
			}

			if fn != nil {
				return fn(tx)
			}
			return nil
		})
	})
	if err != nil {
		log.Warn("ledger increase failed", zap.Error(err))
		return nil, nil, err
	}

	s.emitter.Emit(ctx, taskname.LedgerAchievementCheck, taskname.AchievementCheckPayload{
		UserID:      entry.UserID,
		PointType:   string(entry.PointType),
		LogType:     string(entry.LogType),
		Amount:      entry.Amount.String(),
		Balance:     balance.Amount.String(),
		LogEntryID:  entry.ID,
		ReferenceID: entry.ReferenceID,
	}, asynq.Queue(taskname.QueueLow))

	log.Info("points credited",
		zap.String("amount", entry.Amount.String()),
		zap.String("balance", balance.Amount.String()),
		zap.String("referral_id", entry.ReferralID),
	)

	return balance, entry, nil
}

// Decrease debits p.Amount. It fails with ErrInsufficientBalance and writes nothing when
// the balance would go negative.
func (s *Service) Decrease(ctx context.Context, p Params) (*PointBalance, *PointLogEntry, error) {
	log := logger.FromContext(ctx).With(
		zap.String("user_id", p.UserID),
		zap.String("point_type", string(p.PointType)),
		zap.String("log_type", string(p.LogType)),
	)

	if err := s.validate(p); err != nil {
		return nil, nil, err
	}

	var (
		balance *PointBalance
		entry   *PointLogEntry
	)

	err := lock.WithLock(ctx, s.locker, rediskey.BuildLedgerLockKey(p.UserID, string(p.PointType)), s.lockOpts, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			balance, entry, err = s.apply(ctx, tx, p, p.Amount.Neg(), "", p.Metadata)
			return err
		})
	})
	if err != nil {
		log.Warn("ledger decrease failed", zap.Error(err))
		return nil, nil, err
	}

	log.Info("points debited",
		zap.String("amount", entry.Amount.String()),
		zap.String("balance", balance.Amount.String()),
	)

	return balance, entry, nil
}

func (s *Service) validate(p Params) error {
	if err := validation.Struct(p); err != nil {
		return err
	}
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

func (s *Service) activeReferrer(ctx context.Context, p Params) (string, error) {
	if s.referral == nil || p.BypassReferral || p.PointType == PointTypeReferral {
		return "", nil
	}
	return s.referral.GetActiveReferrer(ctx, p.UserID)
}

// apply appends one log entry of signed amount and moves the balance by the same amount.
// The caller owns the transaction.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, p Params, amount decimal.Decimal, referralID string, meta map[string]any) (*PointBalance, *PointLogEntry, error) {
	balance, err := s.lockBalance(ctx, tx, p.UserID)
	if err != nil {
		return nil, nil, err
	}

	next := balance.Amount.Add(amount)
	if next.IsNegative() {
		return nil, nil, ErrInsufficientBalance
	}

	previousHash := balance.LastHash
	if previousHash == "" {
		previousHash = genesisHash
	}

	var metaBytes []byte
	if meta != nil {
		metaBytes, _ = json.Marshal(meta)
	}

	now := time.Now()
	entry := &PointLogEntry{
		ID:           s.node.Generate().String(),
		UserID:       p.UserID,
		Sequence:     balance.Sequence + 1,
		Amount:       amount,
		PointType:    p.PointType,
		LogType:      p.LogType,
		ReferralID:   referralID,
		ReferenceID:  p.ReferenceID,
		PreviousHash: previousHash,
		Metadata:     datatypes.JSON(metaBytes),
		CreatedAt:    now,
	}
	entry.Hash = entry.GenerateHash()

	if err := s.entries.WithTrx(tx).Create(ctx, entry); err != nil {
		return nil, nil, err
	}

	if err := s.balance.WithTrx(tx).Update(ctx, balance.ID, &map[string]any{
		"amount":     next,
		"sequence":   entry.Sequence,
		"last_hash":  entry.Hash,
		"updated_at": now,
	}); err != nil {
		return nil, nil, err
	}

	balance.Amount = next
	balance.Sequence = entry.Sequence
	balance.LastHash = entry.Hash
	balance.UpdatedAt = now

	return balance, entry, nil
}

// lockBalance loads the user's balance row FOR UPDATE, creating it first if needed.
// The insert ignores conflicts so two writers holding different point-type locks for
// the same user cannot abort each other.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID string) (*PointBalance, error) {
	now := time.Now()
	seed := &PointBalance{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		Amount:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(seed).Error; err != nil {
		return nil, err
	}

	balance, err := s.balance.WithTrx(tx).FindOne(ctx, &PointBalance{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, errutil.Internal("balance row missing after upsert", nil)
	}
	return balance, nil
}

// GetBalance returns the user's balance; users without history have a zero balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*PointBalance, error) {
	balance, err := s.balance.FindOne(ctx, &PointBalance{UserID: userID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query balance", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if balance == nil {
		return &PointBalance{UserID: userID, Amount: decimal.Zero}, nil
	}
	return balance, nil
}

// ListEntries returns the user's log in commit order.
func (s *Service) ListEntries(ctx context.Context, userID string) ([]*PointLogEntry, error) {
	entries, err := s.entries.Find(ctx, &PointLogEntry{UserID: userID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "sequence",
		OrderBy: "asc",
		Allow:   map[string]bool{"sequence": true},
	}))
	if err != nil {
		logger.FromContext(ctx).Error("failed to query list entries", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return entries, nil
}

// VerifyBalance checks that the balance equals the sum of the log and that the hash chain is intact.
func (s *Service) VerifyBalance(ctx context.Context, userID string) (*Verification, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := s.ListEntries(ctx, userID)
	if err != nil {
		return nil, err
	}

	sum := decimal.Zero
	chainValid := true
	previousHash := genesisHash
	for i, e := range entries {
		sum = sum.Add(e.Amount)
		if e.Sequence != int64(i+1) || e.PreviousHash != previousHash || e.GenerateHash() != e.Hash {
			chainValid = false
		}
		previousHash = e.Hash
	}

	v := &Verification{
		UserID:     userID,
		Balance:    balance.Amount,
		LogSum:     sum,
		Entries:    len(entries),
		Consistent: balance.Amount.Equal(sum),
		ChainValid: chainValid,
	}
	if !v.Consistent || !v.ChainValid {
		logger.FromContext(ctx).Error("ledger verification failed",
			zap.String("user_id", userID),
			zap.String("balance", v.Balance.String()),
			zap.String("log_sum", v.LogSum.String()),
			zap.Bool("chain_valid", v.ChainValid),
		)
	}
	return v, nil
}

func withMetadata(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
