package rediskey

import (
	"fmt"
	"strings"
)

// Key prefixes shared by every binary.
const (
	LeaderboardPrefix = "leaderboard"
	LedgerLockPrefix  = "ledger:lock"
	PrizeLockPrefix   = "prize:lock"
	LockPrefix        = "lock"

	GlobalScope = "global"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLeaderboardKey returns "leaderboard:{scope}:{page}:{limit}:{prizes}".
// scope is a competition id or GlobalScope.
func BuildLeaderboardKey(scope string, page, limit int, withPrizes bool) string {
	prizes := "0"
	if withPrizes {
		prizes = "1"
	}
	return strings.Join([]string{LeaderboardPrefix, scope, fmt.Sprint(page), fmt.Sprint(limit), prizes}, ":")
}

// BuildLeaderboardPattern matches every cached page of scope.
func BuildLeaderboardPattern(scope string) string {
	return NamespaceKey(LeaderboardPrefix, scope) + ":*"
}

// BuildLedgerLockKey returns "ledger:lock:{userID}:{pointType}".
func BuildLedgerLockKey(userID, pointType string) string {
	return fmt.Sprintf("%s:%s:%s", LedgerLockPrefix, userID, pointType)
}

// BuildPrizeLockKey returns "prize:lock:{competitionID}".
func BuildPrizeLockKey(competitionID string) string {
	return NamespaceKey(PrizeLockPrefix, competitionID)
}

// BuildLockKey namespaces a named lock for storage in redis.
func BuildLockKey(name string) string {
	return NamespaceKey(LockPrefix, name)
}
