package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/models"
)

// RedisBus stores snapshots with SET EX and broadcasts with PUBLISH.
type RedisBus struct {
	client redis.UniversalClient
	log    logger.Logger
}

// NewRedisBus creates a bus on top of an existing client.
func NewRedisBus(client redis.UniversalClient, log logger.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) SetSnapshot(ctx context.Context, u models.ProgressUpdate, ttl time.Duration) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := b.client.Set(ctx, SnapshotKey(u.JobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", u.JobID, err)
	}
	return nil
}

func (b *RedisBus) Broadcast(ctx context.Context, u models.ProgressUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(u.JobID), data).Err(); err != nil {
		return fmt.Errorf("publish update %s: %w", u.JobID, err)
	}
	return nil
}

func (b *RedisBus) Snapshot(ctx context.Context, jobID string) (*models.ProgressUpdate, error) {
	data, err := b.client.Get(ctx, SnapshotKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", jobID, err)
	}

	var u models.ProgressUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", jobID, err)
	}
	return &u, nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan models.ProgressUpdate, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := b.client.PSubscribe(subCtx, ChannelPattern)

	// wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", ChannelPattern, err)
	}

	out := make(chan models.ProgressUpdate, 64)
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				jobID, ok := JobIDFromChannel(msg.Channel)
				if !ok {
					continue
				}
				var u models.ProgressUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					b.log.Warn("Dropping malformed progress update",
						logger.String("channel", msg.Channel), logger.Error(err))
					continue
				}
				if u.JobID == "" {
					u.JobID = jobID
				}
				select {
				case out <- u:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		cancel()
		_ = pubsub.Close()
	}
	return out, cleanup, nil
}
