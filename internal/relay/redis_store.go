package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plagzap/meetkit/pkg/room"
)

// RedisStore persists meetings in redis so multiple relay instances can
// share metadata. Keys: meeting:<code> for the record, creator:<id> for
// the per-user index. Both carry the meeting TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func meetingKey(code room.Code) string { return "meeting:" + code.String() }
func creatorKey(id string) string      { return "creator:" + id }

func (s *RedisStore) Create(ctx context.Context, m room.Meeting) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, meetingKey(m.Code), data, s.ttl)
	pipe.SAdd(ctx, creatorKey(m.CreatorID), m.Code.String())
	pipe.Expire(ctx, creatorKey(m.CreatorID), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, code room.Code) (room.Meeting, error) {
	data, err := s.client.Get(ctx, meetingKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return room.Meeting{}, ErrMeetingNotFound
	}
	if err != nil {
		return room.Meeting{}, err
	}
	var m room.Meeting
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return room.Meeting{}, err
	}
	return m, nil
}

func (s *RedisStore) End(ctx context.Context, code room.Code) error {
	m, err := s.Get(ctx, code)
	if err != nil {
		return err
	}
	m.Status = room.StatusEnded
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, meetingKey(code), data, redis.KeepTTL).Err()
}

func (s *RedisStore) ListByCreator(ctx context.Context, creatorID string) ([]room.Meeting, error) {
	codes, err := s.client.SMembers(ctx, creatorKey(creatorID)).Result()
	if err != nil {
		return nil, err
	}
	var out []room.Meeting
	for _, c := range codes {
		code, err := room.ParseCode(c)
		if err != nil {
			continue
		}
		m, err := s.Get(ctx, code)
		if errors.Is(err, ErrMeetingNotFound) {
			continue // expired; leave the index to its own TTL
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
