package leaderboard

import (
	"context"
	"strings"
)

// DisplayResolver turns a user id into the identity shown on a leaderboard row.
type DisplayResolver interface {
	Display(ctx context.Context, userID string) string
}

// MaskResolver keeps the head and tail of an id and hides the middle.
type MaskResolver struct{}

func (MaskResolver) Display(_ context.Context, userID string) string {
	switch n := len(userID); {
	case n > 10:
		return userID[:4] + "..." + userID[n-4:]
	case n > 2:
		return userID[:2] + strings.Repeat("*", n-2)
	default:
		return userID
	}
}
