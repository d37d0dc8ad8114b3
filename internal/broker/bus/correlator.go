package bus

import (
	"context"
	"sync"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"

	"github.com/Laisky/filebroker/internal/broker/protocol"
	"github.com/Laisky/filebroker/library/log"
)

var (
	// ErrTimeout is returned when no reply arrives within the deadline.
	ErrTimeout = errors.New("timeout waiting for reply")
	// ErrCancelled is returned when the wait is cancelled externally.
	ErrCancelled = errors.New("reply wait cancelled")
)

// ReplyTopicPrefix namespaces the ephemeral per-request reply topics.
const ReplyTopicPrefix = "filebroker:reply:"

// Correlator sends commands on the shared broker topic and matches each
// reply to its request through a single-use reply topic, making the
// asynchronous bus look synchronous to callers.
type Correlator struct {
	bus    Bus
	topic  string
	logger logSDK.Logger
}

// NewCorrelator creates a correlator publishing to the given broker topic.
func NewCorrelator(b Bus, topic string, logger logSDK.Logger) (*Correlator, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = log.Logger.Named("correlator")
	}

	return &Correlator{
		bus:    b,
		topic:  topic,
		logger: logger,
	}, nil
}

// Send publishes the command with a fresh reply address already subscribed,
// so a reply can never race the subscription. The caller must finish the
// exchange with Pending.Await or Pending.Cancel.
func (c *Correlator) Send(ctx context.Context, cmd *protocol.Command) (*Pending, error) {
	replyTopic := ReplyTopicPrefix + uuid.NewString()

	sub, err := c.bus.Subscribe(ctx, replyTopic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe reply topic")
	}

	cmd.ReplyTo = replyTopic
	payload, err := protocol.EncodeCommand(cmd)
	if err != nil {
		_ = sub.Close()
		return nil, errors.WithStack(err)
	}

	if err := c.bus.Publish(ctx, c.topic, payload); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "publish command")
	}

	c.logger.Debug("command sent",
		zap.String("kind", string(cmd.Kind)), zap.String("reply_to", replyTopic))

	return &Pending{
		sub:       sub,
		cancelled: make(chan struct{}),
	}, nil
}

// Pending is one in-flight request/reply exchange.
type Pending struct {
	sub Subscription

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Await blocks until the correlated reply arrives, the timeout elapses or
// the exchange is cancelled. Exactly one reply is accepted; the reply
// topic is released on every exit path.
func (p *Pending) Await(timeout time.Duration) (*protocol.Reply, error) {
	defer func() {
		_ = p.sub.Close()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-p.sub.C():
		if !ok {
			return nil, errors.WithStack(ErrCancelled)
		}
		reply, err := protocol.DecodeReply(payload)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return reply, nil

	case <-timer.C:
		return nil, errors.WithStack(ErrTimeout)

	case <-p.cancelled:
		return nil, errors.WithStack(ErrCancelled)
	}
}

// Cancel unblocks a concurrent Await immediately and releases the reply
// topic. Safe to call more than once and after Await has returned.
func (p *Pending) Cancel() {
	p.cancelOnce.Do(func() {
		close(p.cancelled)
		_ = p.sub.Close()
	})
}
