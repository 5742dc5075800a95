// Package maintenance runs periodic housekeeping: a nightly statistics
// summary for the operator and removal of old terminal queue rows.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// Outbox is the notification sink the summary job writes to.
type Outbox interface {
	Push(ctx context.Context, text string)
}

type Config struct {
	Enabled        bool
	SummarySpec    string
	CleanupSpec    string
	QueueRetainFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.SummarySpec == "" {
		c.SummarySpec = "5 0 * * *"
	}
	if c.CleanupSpec == "" {
		c.CleanupSpec = "30 3 * * *"
	}
	if c.QueueRetainFor <= 0 {
		c.QueueRetainFor = 7 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg     Config
	store   store.Store
	outbox  Outbox
	ownerID int64
	log     logx.Logger
	c       *cron.Cron
}

func New(cfg Config, st store.Store, outbox Outbox, ownerID int64, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   st,
		outbox:  outbox,
		ownerID: ownerID,
		log:     log.With(logx.String("component", "maintenance")),
	}
}

// Start registers the jobs and launches the cron runner. Returns an
// error if a spec does not parse; disabled maintenance is not an error.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		s.log.Info("maintenance disabled")
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser))

	if _, err := s.c.AddFunc(s.cfg.SummarySpec, s.dailySummary); err != nil {
		return fmt.Errorf("summary spec %q: %w", s.cfg.SummarySpec, err)
	}
	if _, err := s.c.AddFunc(s.cfg.CleanupSpec, s.cleanupQueue); err != nil {
		return fmt.Errorf("cleanup spec %q: %w", s.cfg.CleanupSpec, err)
	}
	s.c.Start()
	s.log.Info("maintenance started",
		logx.String("summary", s.cfg.SummarySpec),
		logx.String("cleanup", s.cfg.CleanupSpec))
	return nil
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.log.Info("maintenance stopped")
}

// dailySummary reports yesterday's per-account counters to the owner.
// Accounts with no activity are omitted.
func (s *Service) dailySummary() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	date := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.log.Error("summary: list accounts failed", logx.Err(err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Daily summary for %s\n", date)
	var active int
	for _, acct := range accounts {
		stat, err := s.store.StatsForDate(ctx, acct.ID, date)
		if err != nil {
			s.log.Error("summary: stats lookup failed",
				logx.String("account", acct.Name), logx.Err(err))
			continue
		}
		if stat.LinksCollected == 0 && stat.GroupsJoined == 0 && stat.GroupsFailed == 0 {
			continue
		}
		active++
		fmt.Fprintf(&b, "• %s: collected %d, joined %d, failed %d\n",
			acct.Name, stat.LinksCollected, stat.GroupsJoined, stat.GroupsFailed)
	}
	if active == 0 {
		fmt.Fprint(&b, "no activity")
	}

	text := b.String()
	if _, err := s.store.InsertNotification(ctx, s.ownerID, text, "info"); err != nil {
		s.log.Error("summary: persist failed", logx.Err(err))
	}
	s.outbox.Push(ctx, text)
}

// cleanupQueue deletes completed and failed requests older than the
// retention window. Pending and processing rows are never touched.
func (s *Service) cleanupQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.QueueRetainFor)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("cleanup failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("queue cleanup done",
			logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	}
}
