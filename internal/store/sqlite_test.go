package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAccountIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a1, err := s.CreateAccount(ctx, "primary")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if a1.Status != AccountUninitialized {
		t.Fatalf("status = %s, want %s", a1.Status, AccountUninitialized)
	}

	a2, err := s.CreateAccount(ctx, "primary")
	if err != nil {
		t.Fatalf("CreateAccount again: %v", err)
	}
	if a2.ID != a1.ID {
		t.Fatalf("re-create changed id: %d != %d", a2.ID, a1.ID)
	}

	if _, err := s.AccountByName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAccountsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		if _, err := s.CreateAccount(ctx, name); err != nil {
			t.Fatalf("CreateAccount %q: %v", name, err)
		}
	}
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("got %d accounts", len(accounts))
	}
	// Insertion (id) order, not name order.
	if accounts[0].Name != "c" || accounts[2].Name != "b" {
		t.Fatalf("unexpected order: %v", accounts)
	}
}

func TestInsertPendingDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct, _ := s.CreateAccount(ctx, "primary")
	other, _ := s.CreateAccount(ctx, "secondary")

	if _, err := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/X"); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if _, err := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/X"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Same link for another account is not a duplicate.
	if _, err := s.InsertPending(ctx, other.ID, "https://chat.whatsapp.com/X"); err != nil {
		t.Fatalf("cross-account insert: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct, _ := s.CreateAccount(ctx, "primary")
	id, err := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/X")
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	fetch := func() JoinRequest {
		t.Helper()
		reqs, err := s.FetchPending(ctx, acct.ID, 10)
		if err != nil {
			t.Fatalf("FetchPending: %v", err)
		}
		if len(reqs) != 1 {
			t.Fatalf("pending count = %d", len(reqs))
		}
		return reqs[0]
	}

	r := fetch()
	if r.Attempts != 0 || r.LastAttempt != nil || r.CompletedAt != nil {
		t.Fatalf("fresh request has attempt data: %+v", r)
	}

	if err := s.UpdateStatus(ctx, id, StatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if reqs, _ := s.FetchPending(ctx, acct.ID, 10); len(reqs) != 0 {
		t.Fatal("processing request still fetched as pending")
	}

	if err := s.UpdateStatus(ctx, id, StatusCompleted, "joined group"); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	qs, err := s.QueueStats(ctx, acct.ID)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if qs.Total != 1 || qs.Completed != 1 {
		t.Fatalf("stats = %+v", qs)
	}

	if err := s.UpdateStatus(ctx, 9999, StatusFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestFetchPendingLimitAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct, _ := s.CreateAccount(ctx, "primary")
	links := []string{
		"https://chat.whatsapp.com/A",
		"https://chat.whatsapp.com/B",
		"https://chat.whatsapp.com/C",
	}
	for _, l := range links {
		if _, err := s.InsertPending(ctx, acct.ID, l); err != nil {
			t.Fatalf("InsertPending %q: %v", l, err)
		}
	}
	reqs, err := s.FetchPending(ctx, acct.ID, 2)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if reqs[0].Link != links[0] || reqs[1].Link != links[1] {
		t.Fatalf("wrong order: %v", reqs)
	}
}

func TestClearQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct, _ := s.CreateAccount(ctx, "primary")

	id1, _ := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/A")
	if _, err := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/B"); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	_ = s.UpdateStatus(ctx, id1, StatusFailed, "nope")

	n, err := s.ClearQueue(ctx, acct.ID, StatusFailed)
	if err != nil {
		t.Fatalf("ClearQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared %d, want 1", n)
	}
	qs, _ := s.QueueStats(ctx, acct.ID)
	if qs.Total != 1 || qs.Pending != 1 {
		t.Fatalf("stats after clear = %+v", qs)
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct, _ := s.CreateAccount(ctx, "primary")

	idDone, _ := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/Done")
	idFail, _ := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/Fail")
	if _, err := s.InsertPending(ctx, acct.ID, "https://chat.whatsapp.com/Wait"); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	_ = s.UpdateStatus(ctx, idDone, StatusCompleted, "joined group")
	_ = s.UpdateStatus(ctx, idFail, StatusFailed, "nope")

	// A cutoff in the future removes all terminal rows, never pending.
	n, err := s.DeleteTerminalBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	qs, _ := s.QueueStats(ctx, acct.ID)
	if qs.Total != 1 || qs.Pending != 1 {
		t.Fatalf("stats = %+v", qs)
	}
}

func TestCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct, _ := s.CreateAccount(ctx, "primary")
	date := Today()

	if err := s.UpsertCounter(ctx, acct.ID, date, CounterLinksCollected, 3); err != nil {
		t.Fatalf("UpsertCounter: %v", err)
	}
	if err := s.UpsertCounter(ctx, acct.ID, date, CounterLinksCollected, 2); err != nil {
		t.Fatalf("UpsertCounter again: %v", err)
	}
	if err := s.UpsertCounter(ctx, acct.ID, date, CounterGroupsJoined, 1); err != nil {
		t.Fatalf("UpsertCounter joined: %v", err)
	}
	if err := s.UpsertCounter(ctx, acct.ID, date, "drop table", 1); err == nil {
		t.Fatal("expected error on unknown counter field")
	}

	st, err := s.StatsForDate(ctx, acct.ID, date)
	if err != nil {
		t.Fatalf("StatsForDate: %v", err)
	}
	if st.LinksCollected != 5 || st.GroupsJoined != 1 || st.GroupsFailed != 0 {
		t.Fatalf("stats = %+v", st)
	}

	empty, err := s.StatsForDate(ctx, acct.ID, "1999-01-01")
	if err != nil {
		t.Fatalf("StatsForDate empty: %v", err)
	}
	if empty.LinksCollected != 0 || empty.GroupsJoined != 0 {
		t.Fatalf("expected zero counters, got %+v", empty)
	}
}

func TestNotifications(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertNotification(ctx, 42, "first", "info")
	if err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	if _, err := s.InsertNotification(ctx, 42, "second", "error"); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	if _, err := s.InsertNotification(ctx, 7, "other user", "info"); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}

	unread, err := s.UnreadNotifications(ctx, 42, 10)
	if err != nil {
		t.Fatalf("UnreadNotifications: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("unread = %d, want 2", len(unread))
	}

	if err := s.MarkNotificationRead(ctx, id1); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	unread, _ = s.UnreadNotifications(ctx, 42, 10)
	if len(unread) != 1 || unread[0].Message != "second" {
		t.Fatalf("unread after read = %v", unread)
	}
}
