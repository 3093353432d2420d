// Action routing adapters: hand redirect matches to whatever acts on them downstream.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/forummod/embedwatch/embedcheck"
)

// Default redis list which routed matches are appended to.
const DefaultRedisKey = "embedwatch/routed-matches"

// RedisRouter appends each routed match, JSON-encoded, to a redis list. A separate process
// consumes the list and applies moderation actions.
type RedisRouter struct {
	Client *redis.Client
	Key    string
}

func NewRedisRouter(redisURL, key string) (*RedisRouter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRouter{
		Client: rdb,
		Key:    key,
	}, nil
}

func (r *RedisRouter) Route(ctx context.Context, m embedcheck.RoutedMatch) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.Client.RPush(ctx, r.Key, b).Err(); err != nil {
		return fmt.Errorf("pushing routed match: %w", err)
	}
	return nil
}

// LogRouter only logs matches. Used when no downstream router is configured, and for one-off
// checks from the command line.
type LogRouter struct {
	Logger *slog.Logger
}

func (r *LogRouter) Route(ctx context.Context, m embedcheck.RoutedMatch) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rules := make([]string, 0, len(m.Results))
	for _, res := range m.Results {
		rules = append(rules, res.Rule)
	}
	logger.Warn("redirect matched rules", "repo", m.Repo, "path", m.Path, "rules", rules)
	return nil
}

// LogReporter only logs account reports, in place of a moderation service.
type LogReporter struct {
	Logger *slog.Logger
}

func (r *LogReporter) Report(ctx context.Context, ar embedcheck.AccountReport) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("account report", "repo", ar.Repo, "path", ar.Path, "kind", ar.Kind, "chain", ar.Chain)
	return nil
}
