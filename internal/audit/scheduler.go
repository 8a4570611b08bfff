package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/logging"
)

// defaultRunTimeout bounds one scheduled audit.
const defaultRunTimeout = 10 * time.Minute

// Scheduler runs the auditor on a cron schedule. Overlapping runs are
// skipped rather than queued.
type Scheduler struct {
	auditor  *Auditor
	cron     *cron.Cron
	schedule string
	repair   bool
	timeout  time.Duration
	logger   *logging.Logger

	mu      sync.RWMutex
	running bool
	entryID cron.EntryID
	last    *Report
	lastErr error
	ctx     context.Context
	cancel  context.CancelFunc
}

// cronLogger routes cron's own messages to the structured logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// NewScheduler validates cfg.Schedule and prepares a scheduler. It does not
// start until Start is called.
func NewScheduler(auditor *Auditor, cfg config.AuditConfig, logger *logging.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("audit")

	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Scheduler{
		auditor:  auditor,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		schedule: cfg.Schedule,
		repair:   cfg.Repair,
		timeout:  defaultRunTimeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start registers the audit job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("audit scheduler is already running")
	}

	id, err := s.cron.AddFunc(s.schedule, s.runScheduled)
	if err != nil {
		return fmt.Errorf("failed to add audit job: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.running = true

	s.logger.Info("Audit scheduler started",
		"schedule", s.schedule, "repair", s.repair, "next_run", s.cron.Entry(id).Next)
	return nil
}

// Stop stops the cron loop and waits for a running audit to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Audit scheduler stopped")
}

// IsRunning reports whether the scheduler has been started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// NextRun returns the next scheduled audit, or the zero time when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// LastReport returns the most recent scheduled outcome.
func (s *Scheduler) LastReport() (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.lastErr
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	report, err := s.auditor.Run(ctx, s.repair)
	if err != nil {
		s.logger.Error("Scheduled audit failed", "error", err)
	}

	s.mu.Lock()
	s.last, s.lastErr = report, err
	s.mu.Unlock()
}
