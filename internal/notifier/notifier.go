// Package notifier delivers operator notifications to the Telegram
// owner chat through a bounded queue, decoupling the scheduler and
// maintenance jobs from Telegram latency and rate limits.
package notifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// Sender pushes one text message to a chat. The Telegram transport
// satisfies this.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Config sizes the queue and caps outbound message rate.
type Config struct {
	QueueSize  int
	RatePerSec float64
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	return c
}

// Service owns the delivery worker. Push never blocks; when the queue
// is full the message is dropped and counted, since every notification
// is also persisted and recoverable from the store.
type Service struct {
	sender  Sender
	chatID  int64
	log     logx.Logger
	limiter *rate.Limiter
	queue   chan string

	mu      sync.Mutex
	running bool
	dropped int64
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func New(cfg Config, sender Sender, chatID int64, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		sender:  sender,
		chatID:  chatID,
		log:     log.With(logx.String("component", "notifier")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		queue:   make(chan string, cfg.QueueSize),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	go s.worker(runCtx)
}

// Stop cancels the worker and waits for the in-flight send, up to the
// timeout. Queued but undelivered messages stay in the store as unread.
func (s *Service) Stop(timeout time.Duration) {
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
	case <-time.After(timeout):
		s.log.Warn("notifier stop timed out", logx.Duration("timeout", timeout))
	}
}

// Push enqueues a message for delivery. Implements the scheduler's
// outbox contract.
func (s *Service) Push(_ context.Context, text string) {
	select {
	case s.queue <- text:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.log.Warn("notification queue full, message dropped", logx.Int64("dropped_total", n))
	}
}

// Dropped returns how many messages were discarded due to a full queue.
func (s *Service) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Service) worker(ctx context.Context) {
	defer close(s.doneCh)
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case text := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := s.sender.SendText(sendCtx, s.chatID, text)
			cancel()
			if err != nil {
				s.log.Warn("notification delivery failed", logx.Err(err))
			}
		}
	}
}
