package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// RedisStore keeps each conversation as a capped redis list of JSON turns.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	maxLen  int64
	measure MeasureFunc
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Prefix namespaces keys. Defaults to "conversation:".
	Prefix string
	// TTL expires idle conversations. Zero keeps them forever.
	TTL time.Duration
	// MaxLen caps stored turns per conversation. Zero keeps all.
	MaxLen  int64
	Measure MeasureFunc
}

// NewRedisStore creates a redis-backed memory store.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "conversation:"
	}
	if opts.Measure == nil {
		opts.Measure = DefaultMeasure
	}
	return &RedisStore{
		client:  client,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		maxLen:  opts.MaxLen,
		measure: opts.Measure,
	}
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID + ":turns"
}

// Load reads the tail of the list and truncates it to the budget.
func (s *RedisStore) Load(ctx context.Context, conversationID string, tokenBudget, maxMessages int) ([]domain.Turn, error) {
	start := int64(0)
	if maxMessages > 0 {
		start = -int64(maxMessages)
	}
	raw, err := s.client.LRange(ctx, s.key(conversationID), start, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	turns := make([]domain.Turn, 0, len(raw))
	for _, item := range raw {
		var t domain.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn in conversation %s: %w", conversationID, err)
		}
		turns = append(turns, t)
	}
	return Truncate(turns, tokenBudget, maxMessages, s.measure), nil
}

// Append pushes turns, trims the list, and refreshes the TTL in one pipeline.
func (s *RedisStore) Append(ctx context.Context, conversationID string, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, len(turns))
	for i, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		values[i] = b
	}

	key := s.key(conversationID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.maxLen > 0 {
			pipe.LTrim(ctx, key, -s.maxLen, -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to conversation %s: %w", conversationID, err)
	}
	return nil
}

var _ ports.MemoryStore = (*RedisStore)(nil)
