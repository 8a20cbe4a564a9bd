// Package session stores visitor login state in Redis.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Login is the identity a visitor established through the login endpoint.
// Email here is the plaintext address kept only for the session's
// lifetime; stored comments carry it encrypted.
type Login struct {
	LoginID   string    `json:"login_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Website   string    `json:"website"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps login sessions keyed by hashed cookie token.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "login:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveLogin stores a login session until expiresAt.
func (s *RedisStore) SaveLogin(ctx context.Context, tokenHash string, login Login, expiresAt time.Time) error {
	login.CreatedAt = time.Now()
	data, err := json.Marshal(login)
	if err != nil {
		return fmt.Errorf("marshal login: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save login: %w", err)
	}
	return nil
}

// LookupLogin retrieves a login session by hashed token.
func (s *RedisStore) LookupLogin(ctx context.Context, tokenHash string) (Login, error) {
	data, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return Login{}, fmt.Errorf("login not found or expired")
	}
	if err != nil {
		return Login{}, fmt.Errorf("lookup login: %w", err)
	}

	var login Login
	if err := json.Unmarshal([]byte(data), &login); err != nil {
		return Login{}, fmt.Errorf("unmarshal login: %w", err)
	}
	return login, nil
}

// RevokeLogin deletes a login session.
func (s *RedisStore) RevokeLogin(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke login: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
