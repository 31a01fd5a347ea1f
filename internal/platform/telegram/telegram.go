// Package telegram adapts telebot as a platform.Sender.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"msgfleet/pkg/logx"
)

type Config struct {
	Token string
}

type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Send-only: no poller. Updates flow through the per-account instances,
	// not through this process.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

// Send delivers text to a target chat. Targets are numeric chat ids or
// @usernames.
func (s *Sender) Send(ctx context.Context, accountID, target, content string) error {
	rec, err := recipient(target)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(rec, content)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			s.log.Debug("telegram send failed",
				logx.String("account", accountID), logx.String("target", target), logx.Err(err))
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("telegram send: timeout")
	}
}

// chatRecipient passes the chat_id through verbatim; the Bot API accepts both
// numeric ids and @usernames.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

func recipient(target string) (tele.Recipient, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty target")
	}
	if strings.HasPrefix(target, "@") {
		return chatRecipient(target), nil
	}
	if _, err := strconv.ParseInt(target, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid telegram target %q: %w", target, err)
	}
	return chatRecipient(target), nil
}
