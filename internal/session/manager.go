// Package session implements the per-account login state machine around
// an automation driver. One Manager owns exactly one driver; every
// operation is serialized behind the manager's lock because the driver
// is a single-threaded resource.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/driver"
	logx "github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// State of one account session. Held in memory only; the durable
// account status lives in the store.
type State string

const (
	Disconnected  State = "disconnected"
	Initializing  State = "initializing"
	AwaitingScan  State = "awaiting_scan"
	Authenticated State = "authenticated"
	SessionLost   State = "session_lost"
	Closed        State = "closed"
)

// Group is one entry of the cached group list.
type Group struct {
	Name string
}

// JoinResult is the logical outcome of one join attempt. A false
// Success with a nil error means the flow ran but the group could not
// be joined (missing button, unconfirmed join, revoked invite).
type JoinResult struct {
	Success bool
	Message string
}

// Timeouts for individual driver waits. Every wait is bounded; none of
// these may be zero in practice (Manager applies them as-is).
type Timeouts struct {
	RestoreProbe time.Duration // fast-path login check during Acquire
	LoginPoll    time.Duration // single PollLoginStatus check
	Element      time.Duration // generic element waits
	JoinConfirm  time.Duration // wait for joined confirmation
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		RestoreProbe: 5 * time.Second,
		LoginPoll:    3 * time.Second,
		Element:      10 * time.Second,
		JoinConfirm:  8 * time.Second,
	}
}

// WhatsApp Web locators. Fallback chains go from the current testid
// markup to older generic shapes so a markup change degrades instead of
// breaking outright.
var (
	loginMarker = driver.CSS(`div[data-testid="chat-list"]`)

	qrLocators = []driver.Locator{
		driver.CSS(`canvas[aria-label="Scan me!"]`),
		driver.CSS(`div[data-ref] canvas`),
	}

	joinLocators = []driver.Locator{
		driver.CSS(`a#action-button`),
		driver.Text("Join chat"),
		driver.Text("Join group"),
		driver.CSS(`div[role="button"]`),
	}

	joinedMarker = driver.CSS(`div[data-testid="conversation-panel-messages"]`)

	groupTitleLocator = driver.CSS(`div[data-testid="cell-frame-title"]`)

	searchBoxLocators = []driver.Locator{
		driver.CSS(`div[contenteditable="true"][data-testid="chat-list-search"]`),
		driver.CSS(`div[contenteditable="true"][title="Search input textbox"]`),
	}
	composeLocators = []driver.Locator{
		driver.CSS(`div[contenteditable="true"][data-testid="conversation-compose-box-input"]`),
		driver.CSS(`footer div[contenteditable="true"]`),
	}
	sendButtonLocators = []driver.Locator{
		driver.CSS(`button[data-testid="compose-btn-send"]`),
		driver.CSS(`span[data-icon="send"]`),
	}
)

// Manager drives one account's WhatsApp Web session.
type Manager struct {
	account   string
	accountID int64
	factory   driver.Factory
	entryURL  string
	timeouts  Timeouts
	log       logx.Logger

	mu        sync.Mutex
	state     State
	drv       driver.Driver
	groups    []Group
	lastLogin bool
}

func NewManager(accountID int64, account, entryURL string, factory driver.Factory, timeouts Timeouts, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		account:   account,
		accountID: accountID,
		factory:   factory,
		entryURL:  entryURL,
		timeouts:  timeouts,
		state:     Disconnected,
		log:       log.With(logx.String("account", account)),
	}
}

func (m *Manager) Account() string  { return m.account }
func (m *Manager) AccountID() int64 { return m.accountID }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquire creates the driver and navigates to the WhatsApp Web entry
// point. Valid from Disconnected, SessionLost and Closed; an existing
// driver is released first (restart semantics). On success the state is
// AwaitingScan, or Authenticated directly when a prior browser session
// was restored.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drv != nil {
		m.releaseLocked(ctx)
	}
	m.state = Initializing

	drv, err := m.factory(ctx, m.account)
	if err != nil {
		m.state = Disconnected
		return &DriverInitError{Account: m.account, Err: err}
	}
	m.drv = drv

	if err := drv.Navigate(ctx, m.entryURL); err != nil {
		m.releaseLocked(ctx)
		m.state = Disconnected
		return &DriverInitError{Account: m.account, Err: err}
	}

	// Fast path: a restored browser profile skips the QR screen.
	present, err := drv.IsMarkerPresent(ctx, loginMarker, m.timeouts.RestoreProbe)
	if err == nil && present {
		m.state = Authenticated
		m.lastLogin = true
		m.log.Info("session restored without scan")
		if rerr := m.refreshGroupsLocked(ctx); rerr != nil {
			m.log.Warn("group cache refresh after restore failed", logx.Err(rerr))
		}
		return nil
	}
	if err != nil && driver.IsFatal(err) {
		m.releaseLocked(ctx)
		m.state = Closed
		return &DriverInitError{Account: m.account, Err: err}
	}

	m.state = AwaitingScan
	m.lastLogin = false
	m.log.Info("awaiting QR scan")
	return nil
}

// PollLoginStatus runs a single bounded check for the login marker and
// advances the state machine. Safe to call repeatedly from any state;
// on a transient driver error the state is left unchanged and the
// previous answer is returned.
func (m *Manager) PollLoginStatus(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drv == nil || m.state == Closed || m.state == Disconnected || m.state == Initializing {
		return false
	}

	present, err := m.drv.IsMarkerPresent(ctx, loginMarker, m.timeouts.LoginPoll)
	if err != nil {
		if driver.IsFatal(err) {
			m.log.Error("driver lost during login poll", logx.Err(err))
			m.closeLocked(ctx)
			return false
		}
		m.log.Debug("login poll transient error, keeping previous answer", logx.Err(err))
		return m.lastLogin
	}

	switch {
	case present && (m.state == AwaitingScan || m.state == SessionLost):
		m.state = Authenticated
		m.log.Info("login detected")
		// One-time side effect per authentication.
		if rerr := m.refreshGroupsLocked(ctx); rerr != nil {
			m.log.Warn("group cache refresh failed", logx.Err(rerr))
		}
	case !present && m.state == Authenticated:
		m.state = SessionLost
		m.log.Warn("login marker disappeared, session lost")
	}

	m.lastLogin = present
	return present
}

// QRSnapshot captures the pairing QR code. Valid only in AwaitingScan.
// When the canvas cannot be captured a generated placeholder QR is
// returned instead of failing, so the operator still gets feedback that
// the session is waiting for a scan.
func (m *Manager) QRSnapshot(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return nil, ErrClosed
	}
	if m.state != AwaitingScan {
		return nil, ErrNotReady
	}

	el, err := m.drv.FindFirst(ctx, qrLocators, m.timeouts.Element)
	if err == nil {
		png, serr := m.drv.Screenshot(ctx, el)
		if serr == nil && len(png) > 0 {
			return png, nil
		}
		err = serr
	}
	if driver.IsFatal(err) {
		m.closeLocked(ctx)
		return nil, err
	}

	m.log.Warn("qr canvas capture failed, sending placeholder", logx.Err(err))
	ph := fmt.Sprintf("whatsapp-pairing:%s:%d", m.account, time.Now().Unix())
	png, perr := qrcode.Encode(ph, qrcode.Medium, 256)
	if perr != nil {
		return nil, fmt.Errorf("qr capture failed: %w", err)
	}
	return png, nil
}

// ListGroups returns the cached group list; with refresh it re-scrapes
// and atomically replaces the cache, so readers never observe a
// partially rebuilt list.
func (m *Manager) ListGroups(ctx context.Context, refresh bool) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireAuthLocked(); err != nil {
		return nil, err
	}
	if refresh {
		if err := m.refreshGroupsLocked(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]Group, len(m.groups))
	copy(out, m.groups)
	return out, nil
}

// refreshGroupsLocked scrapes the visible chat titles and swaps the
// snapshot in one assignment. Caller holds m.mu.
func (m *Manager) refreshGroupsLocked(ctx context.Context) error {
	titles, err := m.drv.FindTexts(ctx, groupTitleLocator, m.timeouts.Element)
	if err != nil {
		if driver.IsFatal(err) {
			m.closeLocked(ctx)
		}
		return fmt.Errorf("scrape groups: %w", err)
	}
	next := make([]Group, 0, len(titles))
	for _, t := range titles {
		t = strings.TrimSpace(t)
		if t != "" {
			next = append(next, Group{Name: t})
		}
	}
	m.groups = next
	m.log.Debug("group cache refreshed", logx.Int("count", len(next)))
	return nil
}

// SendToGroup sends text to the group resolved by exact title match,
// falling back to a case-insensitive substring match over the cached
// list.
func (m *Manager) SendToGroup(ctx context.Context, name, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireAuthLocked(); err != nil {
		return err
	}

	target, ok := m.resolveGroupLocked(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}

	fail := func(err error) error {
		if driver.IsFatal(err) {
			m.closeLocked(ctx)
			return err
		}
		if errors.Is(err, driver.ErrNotFound) {
			return fmt.Errorf("%w: sending to %q", ErrSendTimeout, target.Name)
		}
		return err
	}

	search, err := m.drv.FindFirst(ctx, searchBoxLocators, m.timeouts.Element)
	if err != nil {
		return fail(err)
	}
	if err := m.drv.Click(ctx, search); err != nil {
		return fail(err)
	}
	if err := m.drv.Type(ctx, search, target.Name); err != nil {
		return fail(err)
	}

	cell, err := m.drv.FindFirst(ctx, []driver.Locator{driver.Text(target.Name)}, m.timeouts.Element)
	if err != nil {
		return fail(err)
	}
	if err := m.drv.Click(ctx, cell); err != nil {
		return fail(err)
	}

	compose, err := m.drv.FindFirst(ctx, composeLocators, m.timeouts.Element)
	if err != nil {
		return fail(err)
	}
	if err := m.drv.Type(ctx, compose, text); err != nil {
		return fail(err)
	}

	send, err := m.drv.FindFirst(ctx, sendButtonLocators, m.timeouts.Element)
	if err != nil {
		return fail(err)
	}
	if err := m.drv.Click(ctx, send); err != nil {
		return fail(err)
	}

	m.log.Info("message sent", logx.String("group", target.Name))
	return nil
}

func (m *Manager) resolveGroupLocked(name string) (Group, bool) {
	for _, g := range m.groups {
		if g.Name == name {
			return g, true
		}
	}
	lower := strings.ToLower(name)
	for _, g := range m.groups {
		if strings.Contains(strings.ToLower(g.Name), lower) {
			return g, true
		}
	}
	return Group{}, false
}

// JoinByLink opens the invite link and works through the fallback join
// locators. On every exit path, error included, the driver is navigated
// back to the home view so the next operation starts from a known
// place. Safe to repeat: re-joining an already joined group is a no-op
// on the platform side.
func (m *Manager) JoinByLink(ctx context.Context, link string) (JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireAuthLocked(); err != nil {
		return JoinResult{}, err
	}

	navigatedAway := false
	defer func() {
		if !navigatedAway || m.drv == nil {
			return
		}
		homeCtx, cancel := context.WithTimeout(context.Background(), m.timeouts.Element)
		defer cancel()
		if err := m.drv.Navigate(homeCtx, m.entryURL); err != nil {
			m.log.Warn("return to home view failed", logx.Err(err))
			if driver.IsFatal(err) {
				m.closeLocked(homeCtx)
			}
		}
	}()

	if err := m.drv.Navigate(ctx, link); err != nil {
		if driver.IsFatal(err) {
			m.closeLocked(ctx)
			return JoinResult{}, err
		}
		return JoinResult{}, fmt.Errorf("open invite: %w", err)
	}
	navigatedAway = true

	btn, err := m.drv.FindFirst(ctx, joinLocators, m.timeouts.Element)
	if err != nil {
		if driver.IsFatal(err) {
			m.closeLocked(ctx)
			return JoinResult{}, err
		}
		if errors.Is(err, driver.ErrNotFound) {
			return JoinResult{Success: false, Message: "join button not found (invite may be invalid or revoked)"}, nil
		}
		return JoinResult{}, err
	}

	if err := m.drv.Click(ctx, btn); err != nil {
		if driver.IsFatal(err) {
			m.closeLocked(ctx)
			return JoinResult{}, err
		}
		return JoinResult{}, fmt.Errorf("click join: %w", err)
	}

	joined, err := m.drv.IsMarkerPresent(ctx, joinedMarker, m.timeouts.JoinConfirm)
	if err != nil {
		if driver.IsFatal(err) {
			m.closeLocked(ctx)
			return JoinResult{}, err
		}
		return JoinResult{Success: false, Message: "join not confirmed: " + err.Error()}, nil
	}
	if !joined {
		return JoinResult{Success: false, Message: "join not confirmed"}, nil
	}
	return JoinResult{Success: true, Message: "joined group"}, nil
}

// Close releases the driver. Idempotent, valid from any state.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(ctx)
}

func (m *Manager) requireAuthLocked() error {
	switch m.state {
	case Authenticated:
		return nil
	case Closed:
		return ErrClosed
	default:
		return fmt.Errorf("%w (state=%s)", ErrNotAuthenticated, m.state)
	}
}

func (m *Manager) closeLocked(ctx context.Context) {
	if m.state == Closed {
		return
	}
	m.releaseLocked(ctx)
	m.state = Closed
	m.lastLogin = false
	m.log.Info("session closed")
}

func (m *Manager) releaseLocked(_ context.Context) {
	if m.drv == nil {
		return
	}
	// Release must run even when the caller's context is already done.
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.drv.Close(cctx); err != nil {
		m.log.Warn("driver close failed", logx.Err(err))
	}
	m.drv = nil
}
