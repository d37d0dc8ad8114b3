package bus

import (
	"context"
	"sync"

	errors "github.com/Laisky/errors/v2"
	gredis "github.com/Laisky/go-redis/v2"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"

	"github.com/Laisky/filebroker/library/log"
)

var _ Bus = new(RedisBus)

// RedisBus is a Bus over redis pub/sub channels.
type RedisBus struct {
	db *gredis.Utils
}

// NewRedisBus creates a redis-backed bus.
func NewRedisBus(opt *redis.Options) *RedisBus {
	rdb := redis.NewClient(opt)
	rutils := gredis.NewRedisUtils(rdb)

	return &RedisBus{
		db: rutils,
	}
}

// Publish sends the payload to every current subscriber of the topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.db.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %q", topic)
	}

	return nil
}

// Subscribe opens a subscription on the topic. The returned subscription
// must be closed to release the underlying redis channel.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.db.Subscribe(ctx, topic)

	// force the subscription to be established before returning, otherwise
	// a reply published immediately after Send could be lost
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe %q", topic)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte),
		done:   make(chan struct{}),
	}
	go sub.forward()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *redisSubscription) forward() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		select {
		case s.ch <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) C() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.pubsub.Close(); err != nil {
			log.Logger.Named("bus").Warn("close pubsub", zap.Error(err))
			closeErr = errors.Wrap(err, "close pubsub")
		}
	})

	return closeErr
}
