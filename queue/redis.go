package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courseforge/coursejobs"
)

// RedisQueue is a reliable at-least-once queue on Redis lists, one ready
// and one processing list per priority lane. Claims move ids atomically
// from ready to processing with BRPopLPush; Ack removes them from
// processing; a delayed sorted set carries enqueue delays and retry
// backoff, promoted to the ready lanes on each Claim. Ids stuck in
// processing after a worker crash are re-queued by RequeueStale.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisQueue creates a Redis-backed queue. All keys are namespaced
// under prefix so isolated queues can share one Redis.
func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "coursejobs"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix}
}

func (q *RedisQueue) readyKey(priority int) string {
	return fmt.Sprintf("%s:ready:%d", q.prefix, priority)
}

func (q *RedisQueue) processingKey(priority int) string {
	return fmt.Sprintf("%s:processing:%d", q.prefix, priority)
}

func (q *RedisQueue) delayedKey() string {
	return q.prefix + ":delayed"
}

func (q *RedisQueue) processingMapKey() string {
	return q.prefix + ":processing_map"
}

// lanes in claim order, highest priority first.
func lanes() []int {
	return []int{coursejobs.PriorityHigh, coursejobs.PriorityNormal, coursejobs.PriorityLow}
}

// delayedMember encodes priority alongside the id so promotion restores
// the right lane.
func delayedMember(jobID string, priority int) string {
	return strconv.Itoa(priority) + "|" + jobID
}

func parseDelayedMember(member string) (jobID string, priority int) {
	prio, id, ok := strings.Cut(member, "|")
	if !ok {
		return member, coursejobs.PriorityNormal
	}
	p, err := strconv.Atoi(prio)
	if err != nil {
		return id, coursejobs.PriorityNormal
	}
	return id, p
}

// Push makes jobID deliverable, after delay if delay > 0.
func (q *RedisQueue) Push(ctx context.Context, jobID string, priority int, delay time.Duration) error {
	if delay <= 0 {
		return q.rdb.LPush(ctx, q.readyKey(priority), jobID).Err()
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  due,
		Member: delayedMember(jobID, priority),
	}).Err()
}

// promoteDue moves delayed entries whose time has come into their ready
// lanes.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another process promoted it first.
			continue
		}
		jobID, priority := parseDelayedMember(member)
		if err := q.rdb.LPush(ctx, q.readyKey(priority), jobID).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Claim blocks up to timeout for the next deliverable id, trying lanes in
// priority order with short blocking slots so high-priority work always
// wins a slot. Returns "" on an empty timeout.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	slot := time.Second
	if timeout < slot {
		slot = timeout
	}

	for {
		if err := q.promoteDue(ctx); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", nil
		}

		for _, priority := range lanes() {
			wait := slot
			if remain := time.Until(deadline); remain < wait {
				if remain <= 0 {
					return "", nil
				}
				wait = remain
			}

			id, err := q.rdb.BRPopLPush(ctx, q.readyKey(priority), q.processingKey(priority), wait).Result()
			if err == nil {
				// Remember which processing list holds the id for Ack.
				if herr := q.rdb.HSet(ctx, q.processingMapKey(), id, q.processingKey(priority)).Err(); herr != nil {
					return "", herr
				}
				return id, nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return "", err
		}
	}
}

// Ack removes a delivered id from its processing list.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	processingKey, err := q.rdb.HGet(ctx, q.processingMapKey(), jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Mapping lost (crash between claim and HSet); scrub every
			// lane.
			for _, priority := range lanes() {
				_ = q.rdb.LRem(ctx, q.processingKey(priority), 1, jobID).Err()
			}
			return nil
		}
		return err
	}

	if err := q.rdb.LRem(ctx, processingKey, 1, jobID).Err(); err != nil {
		return err
	}
	return q.rdb.HDel(ctx, q.processingMapKey(), jobID).Err()
}

// RequeueStale moves ids from processing back to ready, up to maxPerLane
// per lane. Run it periodically from one process. It recovers deliveries a
// crashed worker claimed but never acked; deliveries lost entirely are
// restored by the service sweeper, which re-pushes overdue pending rows.
func (q *RedisQueue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	var moved int64
	for _, priority := range lanes() {
		for i := int64(0); i < maxPerLane; i++ {
			id, err := q.rdb.RPopLPush(ctx, q.processingKey(priority), q.readyKey(priority)).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return moved, err
			}
			if id != "" {
				moved++
				_ = q.rdb.HDel(ctx, q.processingMapKey(), id).Err()
			}
		}
	}
	return moved, nil
}

// Obliterate deletes every queue key. Test isolation only.
func (q *RedisQueue) Obliterate(ctx context.Context) error {
	keys := []string{q.delayedKey(), q.processingMapKey()}
	for _, priority := range lanes() {
		keys = append(keys, q.readyKey(priority), q.processingKey(priority))
	}
	return q.rdb.Del(ctx, keys...).Err()
}
