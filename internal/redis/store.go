// Package redis persists room metadata and rosters so that any API instance
// can answer lookups for a room created elsewhere.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/voicemesh/config"
	"github.com/mossy-p/voicemesh/internal/models"
)

const (
	roomTTL        = 24 * time.Hour
	roomCodeLength = 6
)

var ErrRoomNotFound = errors.New("room not found")

// Store wraps the Redis client with the room key scheme:
// room:<id> holds the metadata JSON, code:<code> maps a join code to the
// room id, room:<id>:peers is the live roster set.
type Store struct {
	client *redis.Client
}

func NewStore(cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// CreateRoom stores the metadata and the code-to-id mapping.
func (s *Store) CreateRoom(ctx context.Context, room *models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	if err := s.client.Set(ctx, "room:"+room.ID, data, roomTTL).Err(); err != nil {
		return fmt.Errorf("store room: %w", err)
	}
	if err := s.client.Set(ctx, "code:"+room.Code, room.ID, roomTTL).Err(); err != nil {
		return fmt.Errorf("store room code: %w", err)
	}
	return nil
}

// GetRoom resolves a room by id or by its short join code and fills in the
// live participant count.
func (s *Store) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID, err := s.resolveID(ctx, identifier)
	if err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("parse room: %w", err)
	}
	count, err := s.client.SCard(ctx, "room:"+roomID+":peers").Result()
	if err == nil {
		room.ParticipantCount = int(count)
	}
	return &room, nil
}

// DeleteRoom removes the metadata, the code mapping and the roster.
func (s *Store) DeleteRoom(ctx context.Context, room *models.RoomMetadata) error {
	return s.client.Del(ctx,
		"room:"+room.ID,
		"code:"+room.Code,
		"room:"+room.ID+":peers",
	).Err()
}

// SaveSettings replaces the room's voice settings in place, keeping the TTL.
func (s *Store) SaveSettings(ctx context.Context, roomID string, settings models.VoiceSettings) error {
	data, err := s.client.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("load room: %w", err)
	}
	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return fmt.Errorf("parse room: %w", err)
	}
	room.Settings = settings
	updated, err := json.Marshal(&room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	return s.client.Set(ctx, "room:"+roomID, updated, redis.KeepTTL).Err()
}

// AddPeer records a participant in the roster.
func (s *Store) AddPeer(ctx context.Context, roomID, peerID string) error {
	key := "room:" + roomID + ":peers"
	if err := s.client.SAdd(ctx, key, peerID).Err(); err != nil {
		return fmt.Errorf("add peer: %w", err)
	}
	return s.client.Expire(ctx, key, roomTTL).Err()
}

// RemovePeer removes a participant from the roster.
func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	return s.client.SRem(ctx, "room:"+roomID+":peers", peerID).Err()
}

// ParticipantCount returns the current roster size.
func (s *Store) ParticipantCount(ctx context.Context, roomID string) (int, error) {
	count, err := s.client.SCard(ctx, "room:"+roomID+":peers").Result()
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return int(count), nil
}

func (s *Store) resolveID(ctx context.Context, identifier string) (string, error) {
	if len(identifier) != roomCodeLength {
		return identifier, nil
	}
	id, err := s.client.Get(ctx, "code:"+identifier).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrRoomNotFound
		}
		return "", fmt.Errorf("resolve room code: %w", err)
	}
	return id, nil
}
