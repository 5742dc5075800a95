package telegram

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/session"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/tgui"
)

// driverCtx bounds browser-backed operations spawned from handlers.
func (b *Bot) driverCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 90*time.Second)
}

func qrKeyboard(accountID int64) *tele.ReplyMarkup {
	id := strconv.FormatInt(accountID, 10)
	return tgui.NewInline().
		Row(tgui.Btn("🔄 Refresh QR", tgui.Data("qr", "refresh", id)),
			tgui.Btn("✅ I scanned it", tgui.Data("qr", "confirm", id))).
		Markup()
}

// handleConnect creates the account row if needed and brings the
// session up on a spawned goroutine, then posts the QR code.
func (b *Bot) handleConnect(c tele.Context) error {
	name := argOf(c)
	if name == "" {
		return c.Send("Usage: /connect <account>")
	}

	ctx, cancel := b.opCtx()
	acct, err := b.store.AccountByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		acct, err = b.store.CreateAccount(ctx, name)
	}
	cancel()
	if err != nil {
		b.log.Error("connect: account setup failed", logx.String("name", name), logx.Err(err))
		return c.Send("Storage error, try again.")
	}

	mgr := b.reg.GetOrCreate(acct.ID, acct.Name)
	chatID := c.Chat().ID
	go func() {
		ctx, cancel := b.driverCtx()
		defer cancel()
		if err := mgr.Acquire(ctx); err != nil {
			b.log.Error("connect: acquire failed", logx.String("account", acct.Name), logx.Err(err))
			_ = b.SendText(ctx, chatID, "Could not start a session for "+acct.Name+": "+err.Error())
			return
		}
		switch mgr.State() {
		case session.Authenticated:
			_ = b.SendText(ctx, chatID, acct.Name+" restored an existing session, no scan needed.")
			b.markActive(acct.ID)
		case session.AwaitingScan:
			b.sendQR(ctx, chatID, acct.Name, mgr, "Scan this QR with WhatsApp on your phone.")
		default:
			_ = b.SendText(ctx, chatID, acct.Name+" is in state "+string(mgr.State())+".")
		}
	}()
	return c.Send("Connecting " + acct.Name + "…")
}

// sendQR posts the current QR snapshot with the refresh/confirm keyboard.
func (b *Bot) sendQR(ctx context.Context, chatID int64, account string, mgr *session.Manager, caption string) {
	png, err := mgr.QRSnapshot(ctx)
	if err != nil {
		b.log.Warn("qr snapshot failed", logx.String("account", account), logx.Err(err))
		_ = b.SendText(ctx, chatID, "Could not capture the QR code for "+account+": "+err.Error())
		return
	}
	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(png)), Caption: caption}
	if _, err := b.bot.Send(tele.ChatID(chatID), photo, qrKeyboard(mgr.AccountID())); err != nil {
		b.log.Warn("qr delivery failed", logx.Err(err))
	}
}

func (b *Bot) handleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	scope, action, payload := tgui.Split(cb.Data)
	if scope != "qr" {
		return c.Respond(&tele.CallbackResponse{})
	}
	accountID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Bad callback data."})
	}
	mgr := b.reg.Get(accountID)
	if mgr == nil {
		return c.Respond(&tele.CallbackResponse{Text: "Session is gone, use /connect again."})
	}

	chatID := c.Chat().ID
	switch action {
	case "refresh":
		go func() {
			ctx, cancel := b.driverCtx()
			defer cancel()
			b.sendQR(ctx, chatID, mgr.Account(), mgr, "Fresh QR code.")
		}()
		return c.Respond(&tele.CallbackResponse{Text: "Refreshing…"})
	case "confirm":
		go func() {
			ctx, cancel := b.driverCtx()
			defer cancel()
			if mgr.PollLoginStatus(ctx) {
				b.markActive(accountID)
				_ = b.SendText(ctx, chatID, mgr.Account()+" is authenticated.")
				return
			}
			_ = b.SendText(ctx, chatID, mgr.Account()+" is not logged in yet. Scan the QR and confirm again.")
		}()
		return c.Respond(&tele.CallbackResponse{Text: "Checking…"})
	default:
		return c.Respond(&tele.CallbackResponse{})
	}
}

func (b *Bot) markActive(accountID int64) {
	ctx, cancel := b.opCtx()
	defer cancel()
	if err := b.store.SetAccountStatus(ctx, accountID, store.AccountActive); err != nil {
		b.log.Error("mark active failed", logx.Int64("account", accountID), logx.Err(err))
	}
}
