package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
)

// Envelope bodies are stored msgpack-encoded under envelopeKey. Each
// class has a ready Sorted Set (score = priority + arrival-time
// fraction, lower popped first) and a delayed Sorted Set (score =
// NotBefore in Unix ms). Claimed envelopes live in one global Sorted Set
// scored by claim time so stale claims can be reaped by score range.

// Push enqueues an envelope into its queue class. Pushing a task that
// already has a queued or claimed envelope is a no-op.
func (s *Store) Push(ctx context.Context, e *envelope.Envelope) error {
	tID := e.TaskID.String()
	key := envelopeKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("voxpipe/redis: push check exists: %w", err)
	}
	if exists > 0 {
		return nil
	}

	cp := *e
	cp.ClaimedAt = nil
	data, err := envelope.Encode(&cp)
	if err != nil {
		return fmt.Errorf("voxpipe/redis: push encode: %w", err)
	}

	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if cp.NotBefore.After(now) {
		pipe.ZAdd(ctx, delayedKey(cp.Class), goredis.Z{
			Score:  float64(cp.NotBefore.UnixMilli()),
			Member: tID,
		})
	} else {
		pipe.ZAdd(ctx, readyKey(cp.Class), goredis.Z{
			Score:  envelopeScore(cp.Priority, now),
			Member: tID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voxpipe/redis: push envelope: %w", err)
	}
	return nil
}

// Pull claims up to limit deliverable envelopes from the given classes.
// Due delayed envelopes are promoted to the ready set first.
func (s *Store) Pull(ctx context.Context, classes []string, limit int) ([]*envelope.Envelope, error) {
	now := time.Now().UTC()
	var claimed []*envelope.Envelope

	for _, class := range classes {
		if limit > 0 && len(claimed) >= limit {
			break
		}

		if err := s.promoteDue(ctx, class, now); err != nil {
			return nil, err
		}

		remaining := int64(limit - len(claimed))
		if limit <= 0 {
			remaining = 1 << 30 // no limit
		}
		members, err := s.client.ZPopMin(ctx, readyKey(class), remaining).Result()
		if err != nil {
			return nil, fmt.Errorf("voxpipe/redis: pull zpopmin: %w", err)
		}

		for _, z := range members {
			tID, ok := z.Member.(string)
			if !ok {
				continue
			}
			env, claimErr := s.claim(ctx, class, tID, now)
			if claimErr != nil {
				if errors.Is(claimErr, voxpipe.ErrEnvelopeNotFound) {
					continue // body vanished; drop the dangling member
				}
				return nil, claimErr
			}
			claimed = append(claimed, env)
		}
	}
	return claimed, nil
}

// promoteDue moves delayed envelopes whose NotBefore has passed into the
// ready set.
func (s *Store) promoteDue(ctx context.Context, class string, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, delayedKey(class), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("voxpipe/redis: promote zrangebyscore: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, tID := range due {
		env, loadErr := s.loadEnvelope(ctx, tID)
		if loadErr != nil {
			s.client.ZRem(ctx, delayedKey(class), tID)
			continue
		}
		pipe.ZRem(ctx, delayedKey(class), tID)
		pipe.ZAdd(ctx, readyKey(class), goredis.Z{
			Score:  envelopeScore(env.Priority, now),
			Member: tID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voxpipe/redis: promote due: %w", err)
	}
	return nil
}

// claim marks one popped envelope as claimed and returns it.
func (s *Store) claim(ctx context.Context, class, tID string, now time.Time) (*envelope.Envelope, error) {
	env, err := s.loadEnvelope(ctx, tID)
	if err != nil {
		return nil, err
	}

	n := now
	env.ClaimedAt = &n
	data, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/redis: claim encode: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, envelopeKey(tID), data, 0)
	pipe.ZAdd(ctx, claimedKey, goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: claimedMember(class, tID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("voxpipe/redis: claim envelope: %w", err)
	}
	return env, nil
}

// Ack removes a claimed envelope.
func (s *Store) Ack(ctx context.Context, taskID id.TaskID) error {
	tID := taskID.String()

	env, err := s.loadEnvelope(ctx, tID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, envelopeKey(tID))
	pipe.ZRem(ctx, claimedKey, claimedMember(env.Class, tID))
	pipe.ZRem(ctx, readyKey(env.Class), tID)
	pipe.ZRem(ctx, delayedKey(env.Class), tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voxpipe/redis: ack envelope: %w", err)
	}
	return nil
}

// Nack returns a claimed envelope to its class for redelivery no earlier
// than now+delay, with Attempt advanced.
func (s *Store) Nack(ctx context.Context, taskID id.TaskID, delay time.Duration) error {
	tID := taskID.String()

	env, err := s.loadEnvelope(ctx, tID)
	if err != nil {
		return err
	}

	env.ClaimedAt = nil
	env.Attempt++
	env.NotBefore = time.Now().UTC().Add(delay)

	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("voxpipe/redis: nack encode: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, envelopeKey(tID), data, 0)
	pipe.ZRem(ctx, claimedKey, claimedMember(env.Class, tID))
	pipe.ZAdd(ctx, delayedKey(env.Class), goredis.Z{
		Score:  float64(env.NotBefore.UnixMilli()),
		Member: tID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voxpipe/redis: nack envelope: %w", err)
	}
	return nil
}

// Reap requeues claimed envelopes whose claim is older than threshold
// and returns them.
func (s *Store) Reap(ctx context.Context, threshold time.Duration) ([]*envelope.Envelope, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	stale, err := s.client.ZRangeByScore(ctx, claimedKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("voxpipe/redis: reap zrangebyscore: %w", err)
	}

	now := time.Now().UTC()
	var reclaimed []*envelope.Envelope
	for _, member := range stale {
		class, tID, ok := splitClaimedMember(member)
		if !ok {
			s.client.ZRem(ctx, claimedKey, member)
			continue
		}

		env, loadErr := s.loadEnvelope(ctx, tID)
		if loadErr != nil {
			s.client.ZRem(ctx, claimedKey, member)
			continue
		}

		env.ClaimedAt = nil
		env.NotBefore = time.Time{}
		data, encErr := envelope.Encode(env)
		if encErr != nil {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, envelopeKey(tID), data, 0)
		pipe.ZRem(ctx, claimedKey, member)
		pipe.ZAdd(ctx, readyKey(class), goredis.Z{
			Score:  envelopeScore(env.Priority, now),
			Member: tID,
		})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return reclaimed, fmt.Errorf("voxpipe/redis: reap requeue: %w", pErr)
		}
		reclaimed = append(reclaimed, env)
	}
	return reclaimed, nil
}

// Depth returns the number of queued envelopes in a class, delayed ones
// included.
func (s *Store) Depth(ctx context.Context, class string) (int, error) {
	pipe := s.client.TxPipeline()
	ready := pipe.ZCard(ctx, readyKey(class))
	delayed := pipe.ZCard(ctx, delayedKey(class))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("voxpipe/redis: depth: %w", err)
	}
	return int(ready.Val() + delayed.Val()), nil
}

// ── helpers ──

// envelopeScore computes a ready-set score from priority and arrival
// time. Lower score = delivered first; the time fraction keeps FIFO
// order within one priority.
func envelopeScore(priority int, at time.Time) float64 {
	return float64(priority) + float64(at.UnixMilli())/1e15
}

func claimedMember(class, tID string) string {
	return class + "/" + tID
}

func splitClaimedMember(member string) (class, tID string, ok bool) {
	i := strings.LastIndex(member, "/")
	if i < 0 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}

func (s *Store) loadEnvelope(ctx context.Context, tID string) (*envelope.Envelope, error) {
	data, err := s.client.Get(ctx, envelopeKey(tID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, voxpipe.ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("voxpipe/redis: load envelope: %w", err)
	}
	return envelope.Decode(data)
}
