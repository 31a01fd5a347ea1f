package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"msgfleet/pkg/logx"
)

// redisBroker carries command envelopes over redis pub/sub so commands reach
// instances hosted on other nodes. Redis pub/sub is itself at-most-once,
// which matches the channel contract exactly.
type redisBroker struct {
	rdb *redis.Client
	log logx.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
}

func NewRedis(cfg RedisConfig, log logx.Logger) Broker {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	return &redisBroker{rdb: rdb, log: log}
}

func (b *redisBroker) Publish(ctx context.Context, accountID string, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, topic(accountID), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *redisBroker) Subscribe(accountID string, h Handler) (func(), error) {
	ps := b.rdb.Subscribe(context.Background(), topic(accountID))
	// Confirm the subscription so a dead broker surfaces here, not silently.
	if _, err := ps.Receive(context.Background()); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("malformed command envelope dropped",
					logx.String("topic", msg.Channel), logx.Err(err))
				continue
			}
			h(env)
		}
	}()
	return func() { _ = ps.Close() }, nil
}

func (b *redisBroker) Close() error { return b.rdb.Close() }
