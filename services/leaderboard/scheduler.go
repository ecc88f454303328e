package leaderboard

import (
	"context"
	"errors"
	"time"

	"competition-engine/pkg/config"
	"competition-engine/pkg/lock"
	"competition-engine/pkg/logger"
	"competition-engine/services/competition"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultRefreshInterval = 5 * time.Minute

// Refresher keeps competitions moving through their time window and keeps the
// default leaderboard pages warm.
type Refresher struct {
	competitions *competition.Service
	leaderboard  *Service
	now          func() time.Time
}

func NewRefresher(competitions *competition.Service, leaderboard *Service) *Refresher {
	return &Refresher{competitions: competitions, leaderboard: leaderboard, now: time.Now}
}

// SweepLifecycle activates DRAFT competitions whose start date arrived and ends ACTIVE
// ones whose end date passed. Competitions that lost a race to an admin are skipped.
func (r *Refresher) SweepLifecycle(ctx context.Context) (activated, ended int, err error) {
	log := logger.FromContext(ctx)
	now := r.now()

	drafts, err := r.competitions.ListByStatus(ctx, competition.StatusDraft)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range drafts {
		if now.Before(c.StartDate) || now.After(c.EndDate) {
			continue
		}
		if _, err := r.competitions.TransitionFrom(ctx, c.ID, competition.StatusDraft, competition.StatusActive); err != nil {
			if !errors.Is(err, competition.ErrStatusChanged) {
				log.Warn("failed to activate competition", zap.String("competition_id", c.ID), zap.Error(err))
			}
			continue
		}
		activated++
	}

	active, err := r.competitions.ListByStatus(ctx, competition.StatusActive)
	if err != nil {
		return activated, 0, err
	}
	for _, c := range active {
		if !now.After(c.EndDate) {
			continue
		}
		if _, err := r.competitions.RecomputeRanks(ctx, c.ID); err != nil {
			log.Warn("final recompute failed", zap.String("competition_id", c.ID), zap.Error(err))
		}
		if _, err := r.competitions.TransitionFrom(ctx, c.ID, competition.StatusActive, competition.StatusEnded); err != nil {
			if !errors.Is(err, competition.ErrStatusChanged) {
				log.Warn("failed to end competition", zap.String("competition_id", c.ID), zap.Error(err))
			}
			continue
		}
		ended++
	}
	return activated, ended, nil
}

// RefreshActive recomputes ranks of every ACTIVE competition and pre-warms its default
// page, then the global page. One competition failing does not stop the others.
func (r *Refresher) RefreshActive(ctx context.Context) error {
	log := logger.FromContext(ctx)

	ids, err := r.competitions.ActiveIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := r.competitions.RecomputeRanks(ctx, id); err != nil {
			log.Warn("scheduled recompute failed", zap.String("competition_id", id), zap.Error(err))
			continue
		}
		if err := r.leaderboard.Prewarm(ctx, id); err != nil {
			log.Warn("prewarm failed", zap.String("competition_id", id), zap.Error(err))
		}
	}
	return r.leaderboard.PrewarmGlobal(ctx)
}

// Run is one scheduler tick.
func (r *Refresher) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	start := time.Now()

	activated, ended, err := r.SweepLifecycle(ctx)
	if err != nil {
		log.Error("lifecycle sweep failed", zap.Error(err))
	}
	if err := r.RefreshActive(ctx); err != nil {
		log.Error("leaderboard refresh failed", zap.Error(err))
	}

	log.Info("leaderboard refresh finished",
		zap.Int("activated", activated),
		zap.Int("ended", ended),
		zap.Duration("took", time.Since(start)),
	)
}

type SchedulerParams struct {
	fx.In
	Lc        fx.Lifecycle
	Config    *config.Config
	Locker    lock.Locker
	Refresher *Refresher
}

// RunScheduler registers the refresh job. Replicas elect one runner per tick through
// the named lock.
func RunScheduler(p SchedulerParams) error {
	interval := p.Config.Leaderboard.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	sched, err := gocron.NewScheduler(
		gocron.WithDistributedLocker(lock.NewCronLocker(p.Locker, interval)),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { p.Refresher.Run(ctx) }),
		gocron.WithName("leaderboard-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		return err
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			zap.L().Info("starting leaderboard scheduler", zap.Duration("interval", interval))
			sched.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return sched.Shutdown()
		},
	})
	return nil
}
