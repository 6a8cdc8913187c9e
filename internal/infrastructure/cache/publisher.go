package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"footprint/internal/config"
	domain "footprint/internal/domain/entity/footprint"
	interfaces "footprint/internal/domain/interfaces"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var _ interfaces.SnapshotPublisher = (*Publisher)(nil)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Publisher exports footprint views to Redis. Each view is stored under
// <prefix>:view:<SYMBOL> with a TTL, the symbol is added to <prefix>:symbols
// and an update notice goes out on <prefix>:updates.
type Publisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Entry
}

func NewPublisher(client *redis.Client, prefix string, ttl time.Duration, logger *logrus.Logger) *Publisher {
	if prefix == "" {
		prefix = "footprint"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.WithField("component", "redis_publisher"),
	}
}

// ViewKey is the key a symbol's view is stored under.
func ViewKey(prefix, symbol string) string {
	return fmt.Sprintf("%s:view:%s", prefix, strings.ToUpper(symbol))
}

func SymbolsKey(prefix string) string {
	return prefix + ":symbols"
}

func UpdatesChannel(prefix string) string {
	return prefix + ":updates"
}

// Update is the notice published after a view was stored.
type Update struct {
	Symbol      string    `json:"symbol"`
	Key         string    `json:"key"`
	GeneratedAt time.Time `json:"generated_at"`
	Cells       int       `json:"cells"`
}

func (p *Publisher) Publish(ctx context.Context, view domain.View) error {
	start := time.Now()
	body, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	key := ViewKey(p.prefix, view.Symbol)
	notice, err := json.Marshal(Update{
		Symbol:      view.Symbol,
		Key:         key,
		GeneratedAt: view.GeneratedAt,
		Cells:       len(view.Cells),
	})
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, body, p.ttl)
		pipe.SAdd(ctx, SymbolsKey(p.prefix), view.Symbol)
		pipe.Publish(ctx, UpdatesChannel(p.prefix), notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}

	p.logger.WithFields(logrus.Fields{
		"symbol":     view.Symbol,
		"cache_key":  key,
		"size_bytes": len(body),
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("view cached")
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
