package domain

import "time"

// Player is a persisted player identity, keyed by its unique login.
// The correlation engine only ever reads players; identity rows are
// maintained by the dedicated server's own account writer.
type Player struct {
	ID        int64     `json:"id"`
	Login     string    `json:"login"`
	Nickname  string    `json:"nickname,omitempty"`
	LastVisit time.Time `json:"last_visit"`
}

// TrackMap is a persisted map identity, keyed by its unique map UID.
type TrackMap struct {
	ID   int64  `json:"id"`
	UID  string `json:"uid"`
	Name string `json:"name,omitempty"`
}

// OnlinePlayer is a lightweight presence entry backed by Redis.
type OnlinePlayer struct {
	Login    string    `json:"login"`
	LastSeen time.Time `json:"last_seen"`
}
