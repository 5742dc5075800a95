package joinqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/driver"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/session"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// fakeStore is an in-memory store.Store for pipeline tests.
type fakeStore struct {
	mu            sync.Mutex
	accounts      []store.Account
	requests      map[int64]*store.JoinRequest
	nextID        int64
	counters      map[string]int // "accountID/date/field"
	notifications []store.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: make(map[int64]*store.JoinRequest),
		counters: make(map[string]int),
	}
}

func (f *fakeStore) addAccount(name string, status store.AccountStatus) store.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := store.Account{ID: int64(len(f.accounts) + 1), Name: name, Status: status, CreatedAt: time.Now()}
	f.accounts = append(f.accounts, acct)
	return acct
}

func (f *fakeStore) CreateAccount(_ context.Context, name string) (store.Account, error) {
	return f.addAccount(name, store.AccountUninitialized), nil
}

func (f *fakeStore) AccountByName(_ context.Context, name string) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Name == name {
			return a, nil
		}
	}
	return store.Account{}, store.ErrNotFound
}

func (f *fakeStore) ListAccounts(_ context.Context) ([]store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Account, len(f.accounts))
	copy(out, f.accounts)
	return out, nil
}

func (f *fakeStore) SetAccountStatus(_ context.Context, id int64, status store.AccountStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			f.accounts[i].Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) InsertPending(_ context.Context, accountID int64, link string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.AccountID == accountID && r.Link == link {
			return 0, store.ErrDuplicate
		}
	}
	f.nextID++
	f.requests[f.nextID] = &store.JoinRequest{
		ID: f.nextID, AccountID: accountID, Link: link,
		Status: store.StatusPending, AddedAt: time.Now(),
	}
	return f.nextID, nil
}

func (f *fakeStore) FetchPending(_ context.Context, accountID int64, limit int) ([]store.JoinRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.JoinRequest
	for id := int64(1); id <= f.nextID && len(out) < limit; id++ {
		r, ok := f.requests[id]
		if ok && r.AccountID == accountID && r.Status == store.StatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id int64, status store.JoinStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	r.Status = status
	switch status {
	case store.StatusProcessing:
		r.Attempts++
		r.LastAttempt = &now
	case store.StatusCompleted:
		r.ResultMessage = message
		r.LastAttempt = &now
		r.CompletedAt = &now
	default:
		r.ResultMessage = message
		r.LastAttempt = &now
	}
	return nil
}

func (f *fakeStore) QueueStats(_ context.Context, accountID int64) (store.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var qs store.QueueStats
	for _, r := range f.requests {
		if r.AccountID != accountID {
			continue
		}
		qs.Total++
		switch r.Status {
		case store.StatusPending:
			qs.Pending++
		case store.StatusProcessing:
			qs.Processing++
		case store.StatusCompleted:
			qs.Completed++
		case store.StatusFailed:
			qs.Failed++
		}
	}
	return qs, nil
}

func (f *fakeStore) ClearQueue(_ context.Context, accountID int64, status store.JoinStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, r := range f.requests {
		if r.AccountID == accountID && r.Status == status {
			delete(f.requests, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, r := range f.requests {
		if r.Status.Terminal() && r.LastAttempt != nil && r.LastAttempt.Before(cutoff) {
			delete(f.requests, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpsertCounter(_ context.Context, accountID int64, date string, field store.CounterField, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[fmt.Sprintf("%d/%s/%s", accountID, date, field)] += delta
	return nil
}

func (f *fakeStore) StatsForDate(_ context.Context, accountID int64, date string) (store.DailyStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.DailyStat{
		AccountID:      accountID,
		Date:           date,
		LinksCollected: f.counters[fmt.Sprintf("%d/%s/links_collected", accountID, date)],
		GroupsJoined:   f.counters[fmt.Sprintf("%d/%s/groups_joined", accountID, date)],
		GroupsFailed:   f.counters[fmt.Sprintf("%d/%s/groups_failed", accountID, date)],
	}, nil
}

func (f *fakeStore) InsertNotification(_ context.Context, userID int64, message, ntype string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.notifications) + 1)
	f.notifications = append(f.notifications, store.Notification{
		ID: id, UserID: userID, Message: message, Type: ntype, CreatedAt: time.Now(),
	})
	return id, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		if f.notifications[i].ID == id {
			f.notifications[i].IsRead = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) UnreadNotifications(_ context.Context, userID int64, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Notification
	for _, n := range f.notifications {
		if n.UserID == userID && !n.IsRead && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) request(t *testing.T, id int64) store.JoinRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		t.Fatalf("request %d not found", id)
	}
	return *r
}

// joinDriver scripts just enough of the driver surface for join flows.
type joinDriver struct {
	mu         sync.Mutex
	joinBtnErr error
	joined     bool
}

func (d *joinDriver) Navigate(_ context.Context, _ string) error { return nil }

func (d *joinDriver) FindFirst(_ context.Context, locs []driver.Locator, _ time.Duration) (driver.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joinBtnErr != nil {
		return driver.Element{}, d.joinBtnErr
	}
	return driver.Element{ID: "el"}, nil
}

func (d *joinDriver) FindTexts(_ context.Context, _ driver.Locator, _ time.Duration) ([]string, error) {
	return nil, nil
}

func (d *joinDriver) Click(_ context.Context, _ driver.Element) error { return nil }

func (d *joinDriver) Type(_ context.Context, _ driver.Element, _ string) error { return nil }

func (d *joinDriver) Screenshot(_ context.Context, _ driver.Element) ([]byte, error) {
	return nil, driver.ErrNotFound
}

func (d *joinDriver) IsMarkerPresent(_ context.Context, marker driver.Locator, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// chat-list marker answers login probes, the rest is join confirm.
	if marker.By == "css" && marker.Value == `div[data-testid="chat-list"]` {
		return true, nil
	}
	return d.joined, nil
}

func (d *joinDriver) Close(_ context.Context) error { return nil }

type recordingOutbox struct {
	mu    sync.Mutex
	texts []string
}

func (o *recordingOutbox) Push(_ context.Context, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.texts = append(o.texts, text)
}

func (o *recordingOutbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.texts)
}

func fastConfig() Config {
	return Config{
		MaxPerBatch:  5,
		CycleDelay:   time.Millisecond,
		RequestPause: time.Millisecond,
		AccountPause: time.Millisecond,
		ErrorBackoff: time.Millisecond,
	}
}

// testRegistry builds a registry whose single account is authenticated
// against the given scripted driver.
func testRegistry(t *testing.T, acct store.Account, d driver.Driver) *session.Registry {
	t.Helper()
	factory := func(_ context.Context, _ string) (driver.Driver, error) { return d, nil }
	timeouts := session.Timeouts{
		RestoreProbe: time.Millisecond,
		LoginPoll:    time.Millisecond,
		Element:      time.Millisecond,
		JoinConfirm:  time.Millisecond,
	}
	reg := session.NewRegistry(factory, "https://web.example.test", timeouts, logx.Nop())
	mgr := reg.GetOrCreate(acct.ID, acct.Name)
	if err := mgr.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if mgr.State() != session.Authenticated {
		t.Fatalf("state = %s, want authenticated", mgr.State())
	}
	return reg
}

func TestEnqueueReport(t *testing.T) {
	st := newFakeStore()
	acct := st.addAccount("acct-1", store.AccountActive)

	if _, err := st.InsertPending(context.Background(), acct.ID, "https://chat.whatsapp.com/Existing"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rep, err := Enqueue(context.Background(), st, acct.ID, []string{
		"https://chat.whatsapp.com/Existing",
		"https://chat.whatsapp.com/Fresh",
		"https://example.com/not-whatsapp",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	want := Report{Total: 3, Added: 1, Duplicates: 1, Errors: 1}
	if rep != want {
		t.Fatalf("report = %+v, want %+v", rep, want)
	}

	stat, _ := st.StatsForDate(context.Background(), acct.ID, store.Today())
	if stat.LinksCollected != 1 {
		t.Fatalf("links_collected = %d, want 1", stat.LinksCollected)
	}
}

func TestEnqueueSameCallDuplicate(t *testing.T) {
	st := newFakeStore()
	acct := st.addAccount("acct-1", store.AccountActive)

	rep, err := Enqueue(context.Background(), st, acct.ID, []string{
		"https://chat.whatsapp.com/AAA",
		"https://chat.whatsapp.com/AAA",
		"not-a-url",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	want := Report{Total: 3, Added: 1, Duplicates: 1, Errors: 1}
	if rep != want {
		t.Fatalf("report = %+v, want %+v", rep, want)
	}
	qs, _ := st.QueueStats(context.Background(), acct.ID)
	if qs.Total != 1 {
		t.Fatalf("stored requests = %d, want exactly 1", qs.Total)
	}
}

func TestDrainAccountBatchCap(t *testing.T) {
	st := newFakeStore()
	acct := st.addAccount("acct-1", store.AccountActive)
	for i := 0; i < 12; i++ {
		link := fmt.Sprintf("https://chat.whatsapp.com/Link%d", i)
		if _, err := st.InsertPending(context.Background(), acct.ID, link); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	reg := testRegistry(t, acct, &joinDriver{joined: true})
	out := &recordingOutbox{}
	s := NewScheduler(fastConfig(), st, reg, out, 42, logx.Nop())

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	qs, _ := st.QueueStats(context.Background(), acct.ID)
	if qs.Completed != 5 || qs.Pending != 7 {
		t.Fatalf("stats = %+v, want 5 completed / 7 pending", qs)
	}

	// One pass per request: attempts 1, completed_at set.
	r := st.request(t, 1)
	if r.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", r.Attempts)
	}
	if r.CompletedAt == nil {
		t.Fatal("completed_at not set on completed request")
	}
	if out.count() != 5 {
		t.Fatalf("outbox pushes = %d, want 5", out.count())
	}

	stat, _ := st.StatsForDate(context.Background(), acct.ID, store.Today())
	if stat.GroupsJoined != 5 {
		t.Fatalf("groups_joined = %d, want 5", stat.GroupsJoined)
	}
}

func TestDrainAccountJoinFailure(t *testing.T) {
	st := newFakeStore()
	acct := st.addAccount("acct-1", store.AccountActive)
	if _, err := st.InsertPending(context.Background(), acct.ID, "https://chat.whatsapp.com/Dead"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := testRegistry(t, acct, &joinDriver{joinBtnErr: driver.ErrNotFound})
	s := NewScheduler(fastConfig(), st, reg, &recordingOutbox{}, 42, logx.Nop())

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	r := st.request(t, 1)
	if r.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.CompletedAt != nil {
		t.Fatal("completed_at set on failed request")
	}
	if r.ResultMessage == "" {
		t.Fatal("failed request has no result message")
	}

	stat, _ := st.StatsForDate(context.Background(), acct.ID, store.Today())
	if stat.GroupsFailed != 1 {
		t.Fatalf("groups_failed = %d, want 1", stat.GroupsFailed)
	}
}

func TestDrainAccountFatalFailsRest(t *testing.T) {
	st := newFakeStore()
	acct := st.addAccount("acct-1", store.AccountActive)
	for i := 0; i < 3; i++ {
		link := fmt.Sprintf("https://chat.whatsapp.com/Link%d", i)
		if _, err := st.InsertPending(context.Background(), acct.ID, link); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	d := &joinDriver{joinBtnErr: &driver.FatalError{Err: errors.New("browser gone")}}
	reg := testRegistry(t, acct, d)
	s := NewScheduler(fastConfig(), st, reg, &recordingOutbox{}, 42, logx.Nop())

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	qs, _ := st.QueueStats(context.Background(), acct.ID)
	if qs.Failed != 3 {
		t.Fatalf("stats = %+v, want all 3 failed", qs)
	}
	// Requests after the fatal one fail with the batch-level reason.
	r := st.request(t, 3)
	if r.ResultMessage != "session closed" {
		t.Fatalf("rest-of-batch message = %q", r.ResultMessage)
	}
	if reg.Get(acct.ID).State() != session.Closed {
		t.Fatalf("manager state = %s, want closed", reg.Get(acct.ID).State())
	}
}

func TestProcessNotConnected(t *testing.T) {
	st := newFakeStore()
	acct := st.addAccount("acct-1", store.AccountActive)
	if _, err := st.InsertPending(context.Background(), acct.ID, "https://chat.whatsapp.com/Link"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := session.NewRegistry(nil, "https://web.example.test", session.DefaultTimeouts(), logx.Nop())
	s := NewScheduler(fastConfig(), st, reg, &recordingOutbox{}, 42, logx.Nop())

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	r := st.request(t, 1)
	if r.Status != store.StatusFailed || r.ResultMessage != "session not connected" {
		t.Fatalf("request = %+v", r)
	}
}

func TestSkipsDisabledAccounts(t *testing.T) {
	st := newFakeStore()
	acct := st.addAccount("acct-1", store.AccountDisabled)
	if _, err := st.InsertPending(context.Background(), acct.ID, "https://chat.whatsapp.com/Link"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := session.NewRegistry(nil, "https://web.example.test", session.DefaultTimeouts(), logx.Nop())
	s := NewScheduler(fastConfig(), st, reg, &recordingOutbox{}, 42, logx.Nop())

	if err := s.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	r := st.request(t, 1)
	if r.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending", r.Status)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	st := newFakeStore()
	reg := session.NewRegistry(nil, "https://web.example.test", session.DefaultTimeouts(), logx.Nop())
	cfg := fastConfig()
	cfg.CycleDelay = time.Hour // park the loop after the first cycle
	s := NewScheduler(cfg, st, reg, &recordingOutbox{}, 42, logx.Nop())

	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop(2 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return in time")
	}
	// Stop again is a no-op.
	s.Stop(time.Second)
}
