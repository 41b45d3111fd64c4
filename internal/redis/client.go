package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/liveroom/config"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	// RoomTTL bounds how long an event room survives without being deleted.
	RoomTTL = 24 * time.Hour

	roomCodeLength = 6
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// Store keeps event room metadata and live presence in Redis. It satisfies
// room.Presence.
type Store struct {
	client *redis.Client
}

// Connect initializes the Redis client
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying client, e.g. for the pub/sub transport.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func roomKey(id string) string   { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string  { return "room:" + id + ":peers" }

// SaveRoom stores room metadata by ID and the code-to-ID mapping.
func (s *Store) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, RoomTTL)
	pipe.Set(ctx, codeKey(room.Code), room.ID, RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store room: %w", err)
	}
	return nil
}

// GetRoom looks a room up by code or ID and fills in the live viewer count.
func (s *Store) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier

	// Codes are short; room IDs are UUIDs or event IDs.
	if len(identifier) == roomCodeLength {
		id, err := s.client.Get(ctx, codeKey(identifier)).Result()
		if err == nil {
			roomID = id
		} else if !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	count, err := s.PeerCount(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.ViewerCount = count
	return &room, nil
}

// ValidateRoom checks that a room exists and is not full.
func (s *Store) ValidateRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	room, err := s.GetRoom(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if room.MaxViewers > 0 && room.ViewerCount >= room.MaxViewers {
		return nil, ErrRoomFull
	}
	return room, nil
}

// DeleteRoom removes the metadata, code mapping and presence set.
func (s *Store) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	return s.client.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID)).Err()
}

func (s *Store) AddPeer(ctx context.Context, roomID, participantID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), participantID)
	pipe.Expire(ctx, peersKey(roomID), RoomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RemovePeer(ctx context.Context, roomID, participantID string) error {
	return s.client.SRem(ctx, peersKey(roomID), participantID).Err()
}

func (s *Store) ClearPeers(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, peersKey(roomID)).Err()
}

func (s *Store) PeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
