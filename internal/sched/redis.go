package sched

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"watchtower/internal/clock"
	"watchtower/internal/config"
)

// RedisScheduler keeps the escalation due-queue in a Redis sorted set.
// Members are incident IDs scored by their due unix time; a poll loop
// claims due members with ZREM so only one instance runs each check.
type RedisScheduler struct {
	client *redis.Client
	key    string
	check  CheckFunc
	clk    clock.Clock
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisScheduler connects to Redis and starts the poll loop.
// Params: redis scheduler config, check callback, clock, and optional logger.
// Returns: running scheduler or connection error.
func NewRedisScheduler(cfg config.RedisSchedConfig, check CheckFunc, clk clock.Clock, logger *slog.Logger) (*RedisScheduler, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis scheduler ping: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	scheduler := &RedisScheduler{
		client: client,
		key:    cfg.Key,
		check:  check,
		clk:    clk,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	poll := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	go scheduler.run(ctx, poll)
	return scheduler, nil
}

// ScheduleOnce adds one incident to the due-queue scored by due time.
// Params: context, delay, and incident ID.
// Returns: redis error.
func (s *RedisScheduler) ScheduleOnce(ctx context.Context, delay time.Duration, incidentID int64) error {
	dueAt := s.clk.Now().Add(delay)
	err := s.client.ZAdd(ctx, s.key, &redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: strconv.FormatInt(incidentID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis schedule incident %d: %w", incidentID, err)
	}
	return nil
}

// run polls for due members until the scheduler is closed.
// Params: loop context and poll interval.
// Returns: none.
func (s *RedisScheduler) run(ctx context.Context, poll time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainDue(ctx)
		}
	}
}

// drainDue claims and runs every check whose due time has passed.
// Params: loop context.
// Returns: none.
func (s *RedisScheduler) drainDue(ctx context.Context) {
	now := s.clk.Now()
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		if ctx.Err() == nil && s.logger != nil {
			s.logger.Warn("redis due-queue read failed", "error", err.Error())
		}
		return
	}

	for _, member := range members {
		removed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			if ctx.Err() == nil && s.logger != nil {
				s.logger.Warn("redis due-queue claim failed", "member", member, "error", err.Error())
			}
			continue
		}
		if removed == 0 {
			// Another instance claimed this member first.
			continue
		}
		incidentID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("redis due-queue member malformed", "member", member)
			}
			continue
		}
		if err := s.check(ctx, incidentID); err != nil {
			if s.logger != nil {
				s.logger.Error("escalation check failed", "incident_id", incidentID, "error", err.Error())
			}
			// Put the job back so another pass retries it shortly.
			_ = s.client.ZAdd(ctx, s.key, &redis.Z{
				Score:  float64(now.Add(5 * time.Second).Unix()),
				Member: member,
			}).Err()
		}
	}
}

// Close stops the poll loop and closes the client.
// Params: none.
// Returns: client close error.
func (s *RedisScheduler) Close() error {
	s.cancel()
	<-s.done
	return s.client.Close()
}
