package maintenance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// statStore stubs just the store surface the jobs touch.
type statStore struct {
	store.Store
	accounts      []store.Account
	stats         map[int64]store.DailyStat
	notifications []string
	deletedBefore time.Time
	deleted       int64
}

func (s *statStore) ListAccounts(_ context.Context) ([]store.Account, error) {
	return s.accounts, nil
}

func (s *statStore) StatsForDate(_ context.Context, accountID int64, date string) (store.DailyStat, error) {
	st := s.stats[accountID]
	st.AccountID = accountID
	st.Date = date
	return st, nil
}

func (s *statStore) InsertNotification(_ context.Context, _ int64, message, _ string) (int64, error) {
	s.notifications = append(s.notifications, message)
	return int64(len(s.notifications)), nil
}

func (s *statStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.deletedBefore = cutoff
	return s.deleted, nil
}

type captureOutbox struct{ texts []string }

func (o *captureOutbox) Push(_ context.Context, text string) { o.texts = append(o.texts, text) }

func TestDailySummarySkipsIdleAccounts(t *testing.T) {
	st := &statStore{
		accounts: []store.Account{
			{ID: 1, Name: "busy"},
			{ID: 2, Name: "idle"},
		},
		stats: map[int64]store.DailyStat{
			1: {LinksCollected: 4, GroupsJoined: 2, GroupsFailed: 1},
		},
	}
	out := &captureOutbox{}
	s := New(Config{Enabled: true}, st, out, 42, logx.Nop())

	s.dailySummary()

	if len(out.texts) != 1 {
		t.Fatalf("pushes = %d, want 1", len(out.texts))
	}
	text := out.texts[0]
	if !strings.Contains(text, "busy") || !strings.Contains(text, "joined 2") {
		t.Fatalf("summary missing activity line: %q", text)
	}
	if strings.Contains(text, "idle") {
		t.Fatalf("idle account reported: %q", text)
	}
	if len(st.notifications) != 1 {
		t.Fatalf("persisted notifications = %d, want 1", len(st.notifications))
	}
}

func TestDailySummaryNoActivity(t *testing.T) {
	st := &statStore{accounts: []store.Account{{ID: 1, Name: "quiet"}}}
	out := &captureOutbox{}
	s := New(Config{Enabled: true}, st, out, 42, logx.Nop())

	s.dailySummary()

	if len(out.texts) != 1 || !strings.Contains(out.texts[0], "no activity") {
		t.Fatalf("expected no-activity summary, got %v", out.texts)
	}
}

func TestCleanupUsesRetention(t *testing.T) {
	st := &statStore{deleted: 3}
	s := New(Config{Enabled: true, QueueRetainFor: 48 * time.Hour}, st, &captureOutbox{}, 42, logx.Nop())

	before := time.Now().UTC().Add(-48 * time.Hour)
	s.cleanupQueue()
	after := time.Now().UTC().Add(-48 * time.Hour)

	if st.deletedBefore.Before(before.Add(-time.Minute)) || st.deletedBefore.After(after.Add(time.Minute)) {
		t.Fatalf("cutoff = %v, expected ~48h ago", st.deletedBefore)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(Config{Enabled: true, SummarySpec: "not a spec"}, &statStore{}, &captureOutbox{}, 42, logx.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("expected error for malformed cron spec")
	}
}

func TestDisabledStartIsNoop(t *testing.T) {
	s := New(Config{Enabled: false}, &statStore{}, &captureOutbox{}, 42, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
