package joinqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/driver"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/session"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// Config controls the pacing of the scheduler. Zero values fall back
// to the defaults below.
type Config struct {
	MaxPerBatch  int
	CycleDelay   time.Duration
	RequestPause time.Duration
	AccountPause time.Duration
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerBatch <= 0 {
		c.MaxPerBatch = 5
	}
	if c.CycleDelay <= 0 {
		c.CycleDelay = 5 * time.Minute
	}
	if c.RequestPause <= 0 {
		c.RequestPause = 2 * time.Second
	}
	if c.AccountPause <= 0 {
		c.AccountPause = 10 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Minute
	}
	return c
}

// Outbox delivers outcome notifications to the operator. Push must not
// block for long; the scheduler does not retry failed pushes.
type Outbox interface {
	Push(ctx context.Context, text string)
}

// Scheduler drains pending join requests account by account, pacing
// individual joins so the automation stays under the platform's
// anti-abuse thresholds. One scheduler instance runs per process.
type Scheduler struct {
	cfg     Config
	store   store.Store
	reg     *session.Registry
	outbox  Outbox
	ownerID int64
	log     logx.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func NewScheduler(cfg Config, st store.Store, reg *session.Registry, outbox Outbox, ownerID int64, log logx.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		reg:     reg,
		outbox:  outbox,
		ownerID: ownerID,
		log:     log.With(logx.String("component", "scheduler")),
		limiter: rate.NewLimiter(rate.Every(cfg.RequestPause), 1),
	}
}

// SetPacing applies updated pacing without restarting the loop. The
// new values take effect from the next cycle; the rate limit applies
// immediately.
func (s *Scheduler) SetPacing(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Every(cfg.RequestPause))
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the cycle loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	go s.run(runCtx)
	s.log.Info("scheduler started",
		logx.Int("max_per_batch", s.cfg.MaxPerBatch),
		logx.Duration("cycle_delay", s.cfg.CycleDelay))
}

// Stop cancels the loop and waits for the in-flight request to finish,
// up to the given timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.doneCh
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(timeout):
		s.log.Warn("scheduler stop timed out", logx.Duration("timeout", timeout))
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		delay := s.config().CycleDelay
		if err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("cycle failed", logx.Err(err))
			delay = s.config().ErrorBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	cfg := s.config()
	cycleID := uuid.NewString()[:8]
	log := s.log.With(logx.String("cycle", cycleID))

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var processed int
	for i, acct := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if acct.Status == store.AccountDisabled {
			continue
		}
		n, aerr := s.drainAccount(ctx, log, acct, cfg)
		processed += n
		if aerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("account drain aborted",
				logx.String("account", acct.Name), logx.Err(aerr))
		}
		if n > 0 && i < len(accounts)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.AccountPause):
			}
		}
	}
	if processed > 0 {
		log.Info("cycle finished", logx.Int("processed", processed))
	}
	return nil
}

// drainAccount processes at most cfg.MaxPerBatch pending requests for
// one account. It returns how many requests reached a terminal status.
func (s *Scheduler) drainAccount(ctx context.Context, log logx.Logger, acct store.Account, cfg Config) (int, error) {
	batch, err := s.store.FetchPending(ctx, acct.ID, cfg.MaxPerBatch)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	log.Info("draining account",
		logx.String("account", acct.Name), logx.Int("batch", len(batch)))

	var done int
	for i, req := range batch {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return done, err
		}
		fatal := s.processOne(ctx, log, acct, req)
		done++
		if fatal {
			// The browser session is gone; the rest of the batch
			// cannot succeed this cycle.
			for _, rest := range batch[i+1:] {
				s.finish(ctx, log, acct, rest, false, "session closed")
				done++
			}
			return done, fmt.Errorf("session for %q closed", acct.Name)
		}
	}
	return done, nil
}

// processOne moves a single request through processing to a terminal
// status. It reports whether the account's session died fatally.
func (s *Scheduler) processOne(ctx context.Context, log logx.Logger, acct store.Account, req store.JoinRequest) bool {
	if err := s.store.UpdateStatus(ctx, req.ID, store.StatusProcessing, ""); err != nil {
		log.Error("mark processing failed", logx.Int64("request", req.ID), logx.Err(err))
		return false
	}

	mgr := s.reg.Get(acct.ID)
	if mgr == nil {
		s.finish(ctx, log, acct, req, false, "session not connected")
		return false
	}

	res, err := mgr.JoinByLink(ctx, req.Link)
	switch {
	case err == nil && res.Success:
		s.finish(ctx, log, acct, req, true, res.Message)
		return false
	case err == nil:
		s.finish(ctx, log, acct, req, false, res.Message)
		return false
	case errors.Is(err, session.ErrNotAuthenticated), errors.Is(err, session.ErrClosed):
		s.finish(ctx, log, acct, req, false, err.Error())
		return false
	case driver.IsFatal(err):
		s.finish(ctx, log, acct, req, false, "session closed: "+err.Error())
		return true
	default:
		if ctx.Err() != nil {
			// Shutdown raced the join; leave the request in
			// processing so the operator sees it was interrupted.
			return false
		}
		s.finish(ctx, log, acct, req, false, err.Error())
		return false
	}
}

// finish records the terminal status, bumps the daily counter and
// emits exactly one notification per request outcome.
func (s *Scheduler) finish(ctx context.Context, log logx.Logger, acct store.Account, req store.JoinRequest, success bool, message string) {
	status := store.StatusFailed
	counter := store.CounterGroupsFailed
	ntype := "error"
	if success {
		status = store.StatusCompleted
		counter = store.CounterGroupsJoined
		ntype = "success"
	}
	if err := s.store.UpdateStatus(ctx, req.ID, status, message); err != nil {
		log.Error("record outcome failed", logx.Int64("request", req.ID), logx.Err(err))
		return
	}
	if err := s.store.UpsertCounter(ctx, acct.ID, store.Today(), counter, 1); err != nil {
		log.Error("bump counter failed", logx.Int64("account", acct.ID), logx.Err(err))
	}

	var text string
	if success {
		text = fmt.Sprintf("✅ %s joined %s", acct.Name, req.Link)
	} else {
		text = fmt.Sprintf("❌ %s could not join %s: %s", acct.Name, req.Link, message)
	}
	if _, err := s.store.InsertNotification(ctx, s.ownerID, text, ntype); err != nil {
		log.Error("persist notification failed", logx.Err(err))
	}
	if s.outbox != nil {
		s.outbox.Push(ctx, text)
	}
	log.Info("request finished",
		logx.String("account", acct.Name),
		logx.String("link", req.Link),
		logx.String("status", string(status)))
}
