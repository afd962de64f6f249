// Package telegram delivers log alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Timeout bounds a single sendMessage call.
	Timeout time.Duration
	// URL overrides the Bot API base; empty means api.telegram.org.
	URL string
}

// Sender implements logx.AlertSender on top of a telebot client.
// It never polls for updates.
type Sender struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		URL:     strings.TrimRight(cfg.URL, "/"),
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b}, nil
}

// SendAlert posts text to the configured chat (and topic thread, if set).
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if s == nil || s.bot == nil {
		return errors.New("telegram sender not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, &tele.SendOptions{
		ThreadID:              s.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}
