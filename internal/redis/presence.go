package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trackside/internal/config"
	"github.com/trackside/internal/domain"
)

const (
	onlineSetKey    = "presence:online"
	lastSeenHashKey = "presence:last_seen"
)

// PresenceStore provides Redis-based online-player tracking. It is a cache
// of live server state only; the Postgres ledger stays the single source of
// truth for results.
type PresenceStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPresenceStore creates a new Redis presence store
func NewPresenceStore(cfg *config.RedisConfig, logger *slog.Logger) (*PresenceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &PresenceStore{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (s *PresenceStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *PresenceStore) Client() *redis.Client {
	return s.client
}

// MarkOnline records a player as currently connected to the server.
func (s *PresenceStore) MarkOnline(ctx context.Context, login string, at time.Time) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, onlineSetKey, login)
	pipe.HSet(ctx, lastSeenHashKey, login, at.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking player online: %w", err)
	}
	return nil
}

// MarkOffline removes a player from the online set.
func (s *PresenceStore) MarkOffline(ctx context.Context, login string) error {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, onlineSetKey, login)
	pipe.HDel(ctx, lastSeenHashKey, login)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking player offline: %w", err)
	}
	return nil
}

// Touch refreshes a player's last-seen timestamp without changing
// membership. Chat activity counts as proof of life.
func (s *PresenceStore) Touch(ctx context.Context, login string, at time.Time) error {
	err := s.client.HSet(ctx, lastSeenHashKey, login, at.Unix()).Err()
	if err != nil {
		return fmt.Errorf("touching player presence: %w", err)
	}
	return nil
}

// OnlinePlayers returns the players currently marked online with their
// last-seen timestamps.
func (s *PresenceStore) OnlinePlayers(ctx context.Context) ([]domain.OnlinePlayer, error) {
	logins, err := s.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing online players: %w", err)
	}
	if len(logins) == 0 {
		return nil, nil
	}

	seen, err := s.client.HMGet(ctx, lastSeenHashKey, logins...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading last-seen timestamps: %w", err)
	}

	players := make([]domain.OnlinePlayer, 0, len(logins))
	for i, login := range logins {
		entry := domain.OnlinePlayer{Login: login}
		if raw, ok := seen[i].(string); ok {
			if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
				entry.LastSeen = time.Unix(ts, 0).UTC()
			}
		}
		players = append(players, entry)
	}
	return players, nil
}

// OnlineCount returns the number of players currently marked online.
func (s *PresenceStore) OnlineCount(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting online players: %w", err)
	}
	return count, nil
}

// SweepStale removes players whose last-seen timestamp is older than the
// cutoff. Covers disconnect events the telemetry stream never delivered.
func (s *PresenceStore) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	seen, err := s.client.HGetAll(ctx, lastSeenHashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading last-seen timestamps: %w", err)
	}

	var stale []string
	for login, raw := range seen {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || time.Unix(ts, 0).Before(cutoff) {
			stale = append(stale, login)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	for _, login := range stale {
		pipe.SRem(ctx, onlineSetKey, login)
		pipe.HDel(ctx, lastSeenHashKey, login)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("removing stale presence entries: %w", err)
	}

	s.logger.Debug("swept stale presence entries", "count", len(stale))
	return len(stale), nil
}
