package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smartist/taigabot/core/logger"
	"log/slog"
)

// RedisConfig holds session store connection settings.
type RedisConfig struct {
	Host string `yaml:"host" envconfig:"REDIS_HOST"`
	Port int    `yaml:"port" envconfig:"REDIS_PORT"`
	DB   int    `yaml:"db" envconfig:"REDIS_DB"`
}

// Addr renders host:port for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisStore keeps sessions as JSON blobs keyed by the decimal chat id.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}

	logger.SESS.Info("session store connected",
		slog.String("event", "session.connect"),
		slog.String("addr", cfg.Addr()),
		slog.Int("db", cfg.DB),
	)
	return &RedisStore{client: client}, nil
}

// Get loads and validates the session for a chat id.
// A stored record with an unrecognized state tag yields ErrUnknownState so
// the caller can route the user through the unknown-state reply.
func (s *RedisStore) Get(ctx context.Context, chatID int64) (*Session, error) {
	raw, err := s.client.Get(ctx, key(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %d: %w", chatID, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %d: %w", chatID, err)
	}
	if sess.State != "" {
		if _, err := ParseState(string(sess.State)); err != nil {
			return &sess, err
		}
	}
	return &sess, nil
}

// Put serializes and stores the session.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode %d: %w", sess.ChatID, err)
	}
	if err := s.client.Set(ctx, key(sess.ChatID), raw, 0).Err(); err != nil {
		return fmt.Errorf("session: put %d: %w", sess.ChatID, err)
	}
	return nil
}

// Delete removes the session for a chat id.
func (s *RedisStore) Delete(ctx context.Context, chatID int64) error {
	if err := s.client.Del(ctx, key(chatID)).Err(); err != nil {
		return fmt.Errorf("session: delete %d: %w", chatID, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func key(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
