// Package relay fans merged updates out to other server instances over redis
// pub/sub, one channel per document. Single-instance deployments run without
// it.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"coedit/server/internal/protocol"
)

// envelope tags every published patch with the publishing instance so
// subscribers can drop their own messages.
type envelope struct {
	Instance string          `json:"instance"`
	Patch    *protocol.Patch `json:"patch"`
}

type Relay struct {
	client   *redis.Client
	instance string
	prefix   string
}

func New(redisURL string) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Relay{
		client:   client,
		instance: uuid.NewString(),
		prefix:   "coedit:doc:",
	}, nil
}

func (r *Relay) channel(docID string) string {
	return r.prefix + docID
}

// Instance returns the id this relay stamps on published updates.
func (r *Relay) Instance() string { return r.instance }

// Publish sends a merged update to every other instance serving the document.
func (r *Relay) Publish(ctx context.Context, docID string, patch *protocol.Patch) error {
	data, err := json.Marshal(envelope{Instance: r.instance, Patch: patch})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(docID), data).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", docID, err)
	}
	return nil
}

// Subscribe delivers patches published for the document by other instances.
// The returned function cancels the subscription.
func (r *Relay) Subscribe(ctx context.Context, docID string, deliver func(*protocol.Patch)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", docID, err)
	}
	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("relay: dropping malformed message on %s: %v", msg.Channel, err)
				continue
			}
			if env.Instance == r.instance || env.Patch == nil {
				continue
			}
			deliver(env.Patch)
		}
	}()
	return func() { pubsub.Close() }, nil
}

func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Relay) Close() error {
	return r.client.Close()
}
