// Package telegram is the operator control surface. All account,
// queue and session operations are driven from a Telegram bot chat
// restricted to configured owner users.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/session"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

type Config struct {
	Token        string
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

// Bot wires telebot handlers to the store and the session registry.
// Long driver operations run on spawned goroutines so the poll loop
// never blocks behind a browser.
type Bot struct {
	cfg   Config
	bot   *tele.Bot
	store store.Store
	reg   *session.Registry
	log   logx.Logger

	mu      sync.Mutex
	pending map[int64]pendingInput
	running bool
}

// pendingInput marks a chat as waiting for a follow-up text message.
type pendingInput struct {
	kind      string
	accountID int64
	account   string
}

func New(cfg Config, st store.Store, reg *session.Registry, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{
		cfg:     cfg,
		bot:     tb,
		store:   st,
		reg:     reg,
		log:     log.With(logx.String("component", "telegram")),
		pending: make(map[int64]pendingInput),
	}
	tb.Use(b.ownerOnly)
	b.registerHandlers()
	return b, nil
}

// ownerOnly rejects updates from anyone not in the owner list.
func (b *Bot) ownerOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		for _, id := range b.cfg.OwnerUserIDs {
			if sender.ID == id {
				return next(c)
			}
		}
		b.log.Warn("update from non-owner dropped", logx.Int64("user", sender.ID))
		return nil
	}
}

// Start launches the long-poll loop in its own goroutine.
func (b *Bot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.bot.Start()
	b.log.Info("bot polling started", logx.String("username", b.bot.Me.Username))
}

func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	b.bot.Stop()
	b.log.Info("bot polling stopped")
}

// SendText pushes one plain message to a chat. Satisfies the notifier
// sender contract.
func (b *Bot) SendText(_ context.Context, chatID int64, text string) error {
	_, err := b.bot.Send(tele.ChatID(chatID), text)
	return err
}

func (b *Bot) setPending(chatID int64, p pendingInput) {
	b.mu.Lock()
	b.pending[chatID] = p
	b.mu.Unlock()
}

func (b *Bot) takePending(chatID int64) (pendingInput, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[chatID]
	if ok {
		delete(b.pending, chatID)
	}
	return p, ok
}

// accountByName resolves an account and replies with a hint when it
// does not exist. The bool reports whether the caller may proceed.
func (b *Bot) accountByName(c tele.Context, name string) (store.Account, bool) {
	ctx, cancel := b.opCtx()
	defer cancel()
	acct, err := b.store.AccountByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = c.Send("Unknown account " + name + ". Use /connect " + name + " to create it.")
		} else {
			b.log.Error("account lookup failed", logx.String("name", name), logx.Err(err))
			_ = c.Send("Storage error, try again.")
		}
		return store.Account{}, false
	}
	return acct, true
}

// opCtx bounds short store operations triggered from handlers.
func (b *Bot) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
