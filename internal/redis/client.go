// Package redis provides the shared Redis client used for cross-instance
// coordination: the rate limit fast path, sync checkpoint caching, and
// the cancellation broadcast channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

// GetGoRedisClient exposes the underlying go-redis client for libraries
// that build on it directly, such as the redsync lock pool.
func (c *Client) GetGoRedisClient() *redis.Client {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// CheckProviderBudget is the fast-path admission check for outbound
// provider calls. It keeps a sliding window counter per integration so
// hot loops can reject locally before touching the durable rate window
// in storage. The durable window remains the source of truth; this
// check only short-circuits the obvious rejections.
func (c *Client) CheckProviderBudget(ctx context.Context, integrationID string, limit int, window time.Duration) (bool, int, error) {
	key := fmt.Sprintf("budget:%s", integrationID)
	pipe := c.rdb.TxPipeline()

	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now), Member: now})
	pipe.Expire(ctx, key, window*2)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("failed to check provider budget: %w", err)
	}

	count := int(countCmd.Val())
	return count < limit, count, nil
}

// Sync checkpoints. The engine persists its pagination cursor between
// pages so an interrupted job can resume close to where it stopped.

type SyncCheckpoint struct {
	JobID          string    `json:"job_id"`
	Cursor         string    `json:"cursor"`
	RecordsFetched int       `json:"records_fetched"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c *Client) SaveSyncCheckpoint(ctx context.Context, integrationID string, checkpoint *SyncCheckpoint, ttl time.Duration) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal sync checkpoint: %w", err)
	}
	key := fmt.Sprintf("checkpoint:%s", integrationID)
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save sync checkpoint: %w", err)
	}
	return nil
}

func (c *Client) GetSyncCheckpoint(ctx context.Context, integrationID string) (*SyncCheckpoint, error) {
	key := fmt.Sprintf("checkpoint:%s", integrationID)
	data, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync checkpoint: %w", err)
	}

	checkpoint := &SyncCheckpoint{}
	if err := json.Unmarshal([]byte(data), checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync checkpoint: %w", err)
	}
	return checkpoint, nil
}

func (c *Client) DeleteSyncCheckpoint(ctx context.Context, integrationID string) error {
	key := fmt.Sprintf("checkpoint:%s", integrationID)
	return c.rdb.Del(ctx, key).Err()
}

// Cancellation broadcast. A cancel request may land on a different
// instance than the one running the job, so cancellations fan out over
// pub/sub and every engine instance checks its local jobs.

const cancelChannel = "sync:cancel"

func (c *Client) PublishCancellation(ctx context.Context, jobID string) error {
	if err := c.rdb.Publish(ctx, cancelChannel, jobID).Err(); err != nil {
		return fmt.Errorf("failed to publish cancellation: %w", err)
	}
	return nil
}

// SubscribeCancellations delivers cancelled job IDs until ctx ends.
func (c *Client) SubscribeCancellations(ctx context.Context) (<-chan string, error) {
	sub := c.rdb.Subscribe(ctx, cancelChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
