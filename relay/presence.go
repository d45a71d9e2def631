package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long a room's membership set outlives its last
// update, so crashed relays do not leak sets forever.
const presenceTTL = 24 * time.Hour

// Presence mirrors room membership into shared storage so operators can
// inspect live rooms across relay instances. Mirror failures are logged, not
// propagated; the in-memory hub stays authoritative.
type Presence interface {
	Add(roomCode, peerID string)
	Remove(roomCode, peerID string)
	Members(ctx context.Context, roomCode string) ([]string, error)
}

type noopPresence struct{}

func (noopPresence) Add(string, string)    {}
func (noopPresence) Remove(string, string) {}
func (noopPresence) Members(context.Context, string) ([]string, error) {
	return nil, nil
}

// RedisPresence mirrors membership into redis sets keyed by room code.
type RedisPresence struct {
	client *redis.Client
}

// NewRedisPresence connects to redis and verifies the link.
func NewRedisPresence(cfg RedisConfig) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisPresence{client: client}, nil
}

// Close releases the redis connection.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}

func presenceKey(roomCode string) string {
	return "room:" + roomCode + ":peers"
}

func (p *RedisPresence) Add(roomCode, peerID string) {
	ctx := context.Background()
	key := presenceKey(roomCode)
	if err := p.client.SAdd(ctx, key, peerID).Err(); err != nil {
		log.Printf("presence add %s/%s: %v", roomCode, peerID, err)
		return
	}
	if err := p.client.Expire(ctx, key, presenceTTL).Err(); err != nil {
		log.Printf("presence expire %s: %v", roomCode, err)
	}
}

func (p *RedisPresence) Remove(roomCode, peerID string) {
	if err := p.client.SRem(context.Background(), presenceKey(roomCode), peerID).Err(); err != nil {
		log.Printf("presence remove %s/%s: %v", roomCode, peerID, err)
	}
}

func (p *RedisPresence) Members(ctx context.Context, roomCode string) ([]string, error) {
	return p.client.SMembers(ctx, presenceKey(roomCode)).Result()
}
