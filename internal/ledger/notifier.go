package ledger

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Notifier fans balance changes out to subscribers.
type Notifier interface {
	Publish(ctx context.Context, userID string, balance int64)
	Subscribe(userID string, fn func(balance int64)) (unsubscribe func())
}

// LocalNotifier delivers balance changes to subscribers in this process.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(int64)
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]func(int64))}
}

// Publish calls every subscriber of userID with the new balance.
func (n *LocalNotifier) Publish(ctx context.Context, userID string, balance int64) {
	n.mu.Lock()
	fns := make([]func(int64), 0, len(n.subs[userID]))
	for _, fn := range n.subs[userID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(balance)
	}
}

// Subscribe registers fn for userID's balance changes.
func (n *LocalNotifier) Subscribe(userID string, fn func(int64)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[int]func(int64))
	}
	n.subs[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[userID], id)
			if len(n.subs[userID]) == 0 {
				delete(n.subs, userID)
			}
		})
	}
}

// RedisNotifier mirrors balance changes through Redis pub/sub so that every
// device sharing a remote ledger sees the same balance.
type RedisNotifier struct {
	client *redis.Client
	local  *LocalNotifier
	origin string
	prefix string
}

// NewRedisNotifier wraps a local notifier with Redis fan-out.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		local:  NewLocalNotifier(),
		origin: uuid.New().String(),
		prefix: "devcast:credits:",
	}
}

func (n *RedisNotifier) channel(userID string) string {
	return n.prefix + userID
}

// Publish notifies local subscribers and broadcasts to other devices.
func (n *RedisNotifier) Publish(ctx context.Context, userID string, balance int64) {
	n.local.Publish(ctx, userID, balance)

	payload := fmt.Sprintf("%s:%d", n.origin, balance)
	if err := n.client.Publish(ctx, n.channel(userID), payload).Err(); err != nil {
		log.Printf("ledger: redis publish for %s failed: %v", userID, err)
	}
}

// Subscribe registers fn for balance changes from any device.
func (n *RedisNotifier) Subscribe(userID string, fn func(int64)) func() {
	return n.local.Subscribe(userID, fn)
}

// Listen forwards balance changes published by other devices to local
// subscribers until ctx is cancelled.
func (n *RedisNotifier) Listen(ctx context.Context, userID string) {
	pubsub := n.client.Subscribe(ctx, n.channel(userID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			origin, balance, err := parseMessage(msg.Payload)
			if err != nil {
				log.Printf("ledger: ignoring malformed balance message %q: %v", msg.Payload, err)
				continue
			}
			if origin == n.origin {
				continue
			}
			n.local.Publish(ctx, userID, balance)
		}
	}
}

func parseMessage(payload string) (origin string, balance int64, err error) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("missing origin")
	}
	balance, err = strconv.ParseInt(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, err
	}
	return payload[:idx], balance, nil
}

// ConnectRedis returns a client for addr, or nil if Redis is unreachable.
// Callers continue with local notifications only in that case.
func ConnectRedis(ctx context.Context, addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("Redis connection failed, continuing without cross-device balance updates: %v", err)
		rdb.Close()
		return nil
	}

	log.Println("Redis connection established")
	return rdb
}
