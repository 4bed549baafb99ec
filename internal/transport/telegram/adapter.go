// Package telegram implements transport.Transport over the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dealbot/internal/transport"
	"dealbot/pkg/logx"
)

type Config struct {
	Token       string
	SendTimeout time.Duration // per-call HTTP timeout; 0 means 10s
}

// Adapter sends messages through telebot. It never polls for updates; the
// conversational surface lives outside this engine.
type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{bot: b, log: log}, nil
}

func (a *Adapter) Send(ctx context.Context, to transport.Target, p transport.Payload) error {
	if err := ctx.Err(); err != nil {
		return transport.Transient(err)
	}
	_, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, p.Text, &tele.SendOptions{
		ParseMode:             p.ParseMode,
		DisableWebPagePreview: p.DisablePreview,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps telebot errors onto the transport taxonomy.
func classify(err error) *transport.SendError {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.SendError{
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return &transport.SendError{Permanent: true, Blocked: true, Err: err}
	case errors.Is(err, tele.ErrTooLongMessage):
		// Retrying the same payload cannot help.
		return &transport.SendError{Permanent: true, Err: err}
	}

	return transport.Transient(err)
}
