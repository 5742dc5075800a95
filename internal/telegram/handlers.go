package telegram

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/joinqueue"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/session"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/tgui"
)

const helpText = `Commands:
/connect <name> - connect a WhatsApp account and show the QR code
/accounts - list accounts and session states
/addlinks <name> - queue invite links for an account
/queue <name> - show queue counters
/clearqueue <name> [status] - drop queued requests
/groups <name> [refresh] - list the account's groups
/send <name> - send a message to a group
/stats [name] - daily statistics
/notifications - unread notifications`

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(helpText)
	})
	b.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText)
	})
	b.bot.Handle("/connect", b.handleConnect)
	b.bot.Handle("/accounts", b.handleAccounts)
	b.bot.Handle("/addlinks", b.handleAddLinks)
	b.bot.Handle("/queue", b.handleQueue)
	b.bot.Handle("/clearqueue", b.handleClearQueue)
	b.bot.Handle("/groups", b.handleGroups)
	b.bot.Handle("/send", b.handleSend)
	b.bot.Handle("/stats", b.handleStats)
	b.bot.Handle("/notifications", b.handleNotifications)
	b.bot.Handle(tele.OnText, b.handleText)
	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

func argOf(c tele.Context) string {
	return strings.TrimSpace(c.Message().Payload)
}

func (b *Bot) handleAccounts(c tele.Context) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		b.log.Error("list accounts failed", logx.Err(err))
		return c.Send("Storage error, try again.")
	}
	if len(accounts) == 0 {
		return c.Send("No accounts yet. Use /connect <name> to add one.")
	}
	var sb strings.Builder
	for _, acct := range accounts {
		state := string(session.Disconnected)
		if mgr := b.reg.Get(acct.ID); mgr != nil {
			state = string(mgr.State())
		}
		fmt.Fprintf(&sb, "%s: %s (%s)\n", tgui.B(acct.Name), state, acct.Status)
	}
	return c.Send(sb.String(), tele.ModeHTML)
}

func (b *Bot) handleAddLinks(c tele.Context) error {
	arg := argOf(c)
	if arg == "" {
		return c.Send("Usage: /addlinks <account>")
	}
	fields := strings.Fields(arg)
	name := fields[0]
	acct, ok := b.accountByName(c, name)
	if !ok {
		return nil
	}
	// Links may ride along on the command line.
	if len(fields) > 1 {
		return b.enqueueText(c, acct, strings.Join(fields[1:], " "))
	}
	b.setPending(c.Chat().ID, pendingInput{kind: "addlinks", accountID: acct.ID, account: acct.Name})
	return c.Send("Send the invite links for " + acct.Name + " (any text, links are extracted).")
}

func (b *Bot) enqueueText(c tele.Context, acct store.Account, text string) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	rep, err := joinqueue.EnqueueText(ctx, b.store, acct.ID, text)
	if err != nil {
		b.log.Error("enqueue failed", logx.String("account", acct.Name), logx.Err(err))
		return c.Send("Storage error, some links may not have been queued.")
	}
	if rep.Total == 0 {
		return c.Send("No links found in that message.")
	}
	return c.Send(fmt.Sprintf(
		"Queued for %s: %d added, %d duplicates, %d invalid (of %d).",
		acct.Name, rep.Added, rep.Duplicates, rep.Errors, rep.Total))
}

func (b *Bot) handleQueue(c tele.Context) error {
	name := argOf(c)
	if name == "" {
		return c.Send("Usage: /queue <account>")
	}
	acct, ok := b.accountByName(c, name)
	if !ok {
		return nil
	}
	ctx, cancel := b.opCtx()
	defer cancel()
	qs, err := b.store.QueueStats(ctx, acct.ID)
	if err != nil {
		b.log.Error("queue stats failed", logx.Err(err))
		return c.Send("Storage error, try again.")
	}
	return c.Send(fmt.Sprintf(
		"Queue for %s:\npending %d\nprocessing %d\ncompleted %d\nfailed %d",
		acct.Name, qs.Pending, qs.Processing, qs.Completed, qs.Failed))
}

func (b *Bot) handleClearQueue(c tele.Context) error {
	arg := argOf(c)
	if arg == "" {
		return c.Send("Usage: /clearqueue <account> [pending|processing|failed|completed]")
	}
	fields := strings.Fields(arg)
	acct, ok := b.accountByName(c, fields[0])
	if !ok {
		return nil
	}
	status := store.StatusPending
	if len(fields) > 1 {
		switch fields[1] {
		case "pending", "processing", "failed", "completed":
			status = store.JoinStatus(fields[1])
		default:
			return c.Send("Status must be pending, processing, failed or completed.")
		}
	}
	ctx, cancel := b.opCtx()
	defer cancel()
	n, err := b.store.ClearQueue(ctx, acct.ID, status)
	if err != nil {
		b.log.Error("clear queue failed", logx.Err(err))
		return c.Send("Storage error, try again.")
	}
	return c.Send(fmt.Sprintf("Removed %d %s request(s) for %s.", n, status, acct.Name))
}

func (b *Bot) handleGroups(c tele.Context) error {
	arg := argOf(c)
	if arg == "" {
		return c.Send("Usage: /groups <account> [refresh]")
	}
	fields := strings.Fields(arg)
	acct, ok := b.accountByName(c, fields[0])
	if !ok {
		return nil
	}
	refresh := len(fields) > 1 && fields[1] == "refresh"

	mgr := b.reg.Get(acct.ID)
	if mgr == nil {
		return c.Send(acct.Name + " is not connected.")
	}
	chatID := c.Chat().ID
	go func() {
		ctx, cancel := b.driverCtx()
		defer cancel()
		groups, err := mgr.ListGroups(ctx, refresh)
		if err != nil {
			_ = b.SendText(ctx, chatID, "Could not list groups for "+acct.Name+": "+err.Error())
			return
		}
		if len(groups) == 0 {
			_ = b.SendText(ctx, chatID, acct.Name+" has no cached groups. Try /groups "+acct.Name+" refresh.")
			return
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Groups for %s:\n", acct.Name)
		for _, g := range groups {
			fmt.Fprintf(&sb, "• %s\n", g.Name)
		}
		_ = b.SendText(ctx, chatID, sb.String())
	}()
	return nil
}

func (b *Bot) handleSend(c tele.Context) error {
	name := argOf(c)
	if name == "" {
		return c.Send("Usage: /send <account>, then reply with: group | message")
	}
	acct, ok := b.accountByName(c, name)
	if !ok {
		return nil
	}
	if mgr := b.reg.Get(acct.ID); mgr == nil || mgr.State() != session.Authenticated {
		return c.Send(acct.Name + " is not authenticated. Use /connect " + acct.Name + " first.")
	}
	b.setPending(c.Chat().ID, pendingInput{kind: "send", accountID: acct.ID, account: acct.Name})
	return c.Send("Reply with: group name | message text")
}

func (b *Bot) handleStats(c tele.Context) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	date := store.Today()

	var accounts []store.Account
	if name := argOf(c); name != "" {
		acct, ok := b.accountByName(c, name)
		if !ok {
			return nil
		}
		accounts = []store.Account{acct}
	} else {
		var err error
		accounts, err = b.store.ListAccounts(ctx)
		if err != nil {
			b.log.Error("list accounts failed", logx.Err(err))
			return c.Send("Storage error, try again.")
		}
		if len(accounts) == 0 {
			return c.Send("No accounts yet.")
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Statistics for %s\n", date)
	for _, acct := range accounts {
		stat, err := b.store.StatsForDate(ctx, acct.ID, date)
		if err != nil {
			b.log.Error("stats lookup failed", logx.String("account", acct.Name), logx.Err(err))
			continue
		}
		fmt.Fprintf(&sb, "%s: collected %d, joined %d, failed %d\n",
			acct.Name, stat.LinksCollected, stat.GroupsJoined, stat.GroupsFailed)
	}
	return c.Send(sb.String())
}

func (b *Bot) handleNotifications(c tele.Context) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	items, err := b.store.UnreadNotifications(ctx, c.Sender().ID, 20)
	if err != nil {
		b.log.Error("unread lookup failed", logx.Err(err))
		return c.Send("Storage error, try again.")
	}
	if len(items) == 0 {
		return c.Send("No unread notifications.")
	}
	var sb strings.Builder
	for _, n := range items {
		fmt.Fprintf(&sb, "[%s] %s\n", n.CreatedAt.Format("01-02 15:04"), tgui.TruncRunes(n.Message, 200))
		if err := b.store.MarkNotificationRead(ctx, n.ID); err != nil {
			b.log.Error("mark read failed", logx.Int64("id", n.ID), logx.Err(err))
		}
	}
	return c.Send(sb.String())
}

// handleText resolves pending follow-up input for the chat.
func (b *Bot) handleText(c tele.Context) error {
	p, ok := b.takePending(c.Chat().ID)
	if !ok {
		return nil
	}
	switch p.kind {
	case "addlinks":
		return b.enqueueText(c, store.Account{ID: p.accountID, Name: p.account}, c.Text())
	case "send":
		return b.doSend(c, p, c.Text())
	default:
		return nil
	}
}

// doSend parses "group | message" and runs the send off the poll loop.
func (b *Bot) doSend(c tele.Context, p pendingInput, text string) error {
	group, msg, found := strings.Cut(text, "|")
	group = strings.TrimSpace(group)
	msg = strings.TrimSpace(msg)
	if !found || group == "" || msg == "" {
		return c.Send("Expected: group name | message text")
	}
	mgr := b.reg.Get(p.accountID)
	if mgr == nil {
		return c.Send(p.account + " is not connected.")
	}
	chatID := c.Chat().ID
	go func() {
		ctx, cancel := b.driverCtx()
		defer cancel()
		if err := mgr.SendToGroup(ctx, group, msg); err != nil {
			b.log.Warn("send failed",
				logx.String("account", p.account), logx.String("group", group), logx.Err(err))
			_ = b.SendText(ctx, chatID, "Send to "+group+" failed: "+err.Error())
			return
		}
		_ = b.SendText(ctx, chatID, "Sent to "+group+".")
	}()
	return c.Send("Sending to " + group + "…")
}
