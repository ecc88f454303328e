package taskname

import "time"

type AchievementCheckPayload struct {
	UserID      string `json:"user_id"`
	PointType   string `json:"point_type"`
	LogType     string `json:"log_type"`
	Amount      string `json:"amount"`
	Balance     string `json:"balance"`
	LogEntryID  string `json:"log_entry_id"`
	ReferenceID string `json:"reference_id,omitempty"`
}

type RankChangedPayload struct {
	UserID        string    `json:"user_id"`
	CompetitionID string    `json:"competition_id"`
	OldRank       *int      `json:"old_rank"`
	NewRank       *int      `json:"new_rank"`
	Direction     string    `json:"direction"`
	VolumeDelta   string    `json:"volume_delta"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type DistributePrizesPayload struct {
	CompetitionID string `json:"competition_id"`
}
