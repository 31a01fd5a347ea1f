// Package command is the best-effort push path to running instances.
//
// Delivery is at-most-once: if an instance is not subscribed (mid-restart),
// the message is lost. Callers that need guaranteed application of a change
// must also persist it to the account record; the channel only shaves the
// latency off the next restart.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrBrokerUnavailable = errors.New("command broker unavailable")

const UpdateConfig = "update_config"

type Envelope struct {
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Handler func(env Envelope)

// Broker publishes command envelopes to per-account topics.
type Broker interface {
	Publish(ctx context.Context, accountID string, env Envelope) error
	Subscribe(accountID string, h Handler) (unsubscribe func(), err error)
	Close() error
}

func topic(accountID string) string { return "msgfleet.account." + accountID }
