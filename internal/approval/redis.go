package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lelandg/Heimdallr/internal/action"
)

const defaultKeyPrefix = "heimdallr:approval:"

// RedisConfig holds connection settings for the Redis-backed Store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`

	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	return c
}

var _ Store = (*RedisStore)(nil)

// RedisStore keeps pending plans in Redis so approvals survive restarts and
// can be shared across instances. Plans are stored as JSON values under
// KeyPrefix + planID with the configured TTL.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("approval store connected to Redis",
		slog.String("address", cfg.Address),
		slog.Int("database", cfg.Database))
	return &RedisStore{client: client, cfg: cfg, logger: logger}, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(planID string) string {
	return s.cfg.KeyPrefix + planID
}

func (s *RedisStore) Put(ctx context.Context, plan *action.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan %s: %w", plan.PlanID, err)
	}
	if err := s.client.Set(ctx, s.key(plan.PlanID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store plan %s: %w", plan.PlanID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, planID string) (*action.Plan, error) {
	data, err := s.client.Get(ctx, s.key(planID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	var plan action.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", planID, err)
	}
	return &plan, nil
}

func (s *RedisStore) Pending(ctx context.Context) ([]*action.Plan, error) {
	var out []*action.Plan
	var cursor uint64
	pattern := s.cfg.KeyPrefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending plans: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, fmt.Errorf("failed to load plan at %s: %w", key, err)
			}
			var plan action.Plan
			if err := json.Unmarshal([]byte(data), &plan); err != nil {
				s.logger.Warn("skipping undecodable pending plan",
					slog.String("key", key),
					slog.String("error", err.Error()))
				continue
			}
			out = append(out, &plan)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisStore) Approve(ctx context.Context, planID, approvedBy string) (*action.Plan, error) {
	if approvedBy == "" {
		approvedBy = "operator"
	}

	plan, err := s.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	plan.Approved = true
	plan.ApprovedBy = approvedBy
	if err := s.Put(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *RedisStore) Remove(ctx context.Context, planID string) error {
	deleted, err := s.client.Del(ctx, s.key(planID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete plan %s: %w", planID, err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}
