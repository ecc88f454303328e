package taskname

const (
	// Trade feed
	TradeCompleted = "trade:completed"

	// Competition tasks
	CompetitionRankChanged     = "competition:rank_changed"
	CompetitionDistributePrize = "competition:distribute_prizes"

	// Ledger tasks
	LedgerAchievementCheck = "ledger:achievement_check"
)

// Queues, highest priority first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
