package domain

import (
	"fmt"
	"time"
)

// Game mode identifiers as reported by the dedicated server.
const (
	GameModeTimeAttack = 0
	GameModeRounds     = 1
	GameModeLaps       = 2
)

// EpochZero is the sentinel stored when a result's achievement time is
// unknown. It matches the legacy schema default of '1970-01-01 00:00:00'.
var EpochZero = time.Unix(0, 0).UTC()

// ResultRecord is one distinct score a player ever achieved on a map under
// a game mode. (MapID, PlayerID, GameModeID, Score) is the record's full
// identity: the ledger keeps every distinct score, never the same score
// twice. Records are inserted once and never updated.
type ResultRecord struct {
	MapID       int64     `json:"map_id"`
	PlayerID    int64     `json:"player_id"`
	GameModeID  int       `json:"game_mode_id"`
	Score       int       `json:"score"`
	AchievedAt  time.Time `json:"achieved_at"`
	Checkpoints string    `json:"checkpoints,omitempty"`
}

// MapRecord is a ranked best-per-player view row for a single map and game
// mode, joined with the player's identity. Computed at query time from the
// ledger; never stored.
type MapRecord struct {
	Rank       int       `json:"rank"`
	PlayerID   int64     `json:"player_id"`
	Login      string    `json:"login"`
	Nickname   string    `json:"nickname,omitempty"`
	Score      int       `json:"score"`
	AchievedAt time.Time `json:"achieved_at"`
}

// ResultSubmission is an incoming race result carrying raw identity keys
// that still need resolution against the identity store.
type ResultSubmission struct {
	Login       string    `json:"login"`
	MapUID      string    `json:"map_uid"`
	GameModeID  int       `json:"game_mode_id"`
	Score       int       `json:"score"`
	AchievedAt  time.Time `json:"achieved_at,omitempty"`
	Checkpoints string    `json:"checkpoints,omitempty"`
}

// FormatScore renders a race time in milliseconds as m:ss.mmm, the way the
// in-game record panel shows it.
func FormatScore(ms int) string {
	if ms < 0 {
		return "-" + FormatScore(-ms)
	}
	minutes := ms / 60000
	seconds := (ms % 60000) / 1000
	millis := ms % 1000
	return fmt.Sprintf("%d:%02d.%03d", minutes, seconds, millis)
}
