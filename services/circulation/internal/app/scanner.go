package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/developer-anubhav/Library-Management-Service/internal/sweeplock"
	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
	"github.com/developer-anubhav/Library-Management-Service/pkg/events"
	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
)

const defaultSweepConcurrency = 4

// ScannerConfig holds the overdue scanner's dependencies.
type ScannerConfig struct {
	Store       store.Store
	Policy      FinePolicy
	Publisher   events.Publisher
	Concurrency int
	// Lease, when set, is taken around every scheduled sweep so that only one
	// process sweeps per tick.
	Lease  *sweeplock.Lease
	Logger *slog.Logger
	Now    func() time.Time
}

// Scanner moves open loans past their due date to overdue and persists their
// accrued fine.
type Scanner struct {
	store       store.Store
	policy      FinePolicy
	publisher   events.Publisher
	concurrency int
	lease       *sweeplock.Lease
	logger      *slog.Logger
	now         func() time.Time
}

// SweepFailure records one loan the sweep could not update.
type SweepFailure struct {
	LoanID string
	Err    error
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Scanned   int
	Updated   int
	Unchanged int
	// Skipped counts loans closed or changed by someone else mid-sweep.
	Skipped  int
	Failures []SweepFailure
}

// Err joins the per-loan failures, or returns nil.
func (r SweepReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("loan %s: %w", f.LoanID, f.Err))
	}
	return errors.Join(errs...)
}

type sweepOutcome int

const (
	outcomeUnchanged sweepOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	policy := cfg.Policy
	if policy.LoanPeriod == 0 && policy.DailyRate.IsZero() {
		policy = DefaultFinePolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scanner{
		store:       cfg.Store,
		policy:      policy,
		publisher:   pub,
		concurrency: concurrency,
		lease:       cfg.Lease,
		logger:      logger,
		now:         now,
	}, nil
}

// Sweep assesses every open loan due before now. One loan failing never stops
// the others; failures are collected in the report. The returned error is
// only for failing to list loans.
func (s *Scanner) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	loans, err := s.store.ListOverdueLoans(ctx, now)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list overdue loans: %w", err)
	}
	report := SweepReport{Scanned: len(loans)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, loan := range loans {
		loan := loan
		g.Go(func() error {
			outcome, err := s.sweepLoan(ctx, loan, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, SweepFailure{LoanID: loan.ID, Err: err})
				return nil
			}
			switch outcome {
			case outcomeUpdated:
				report.Updated++
			case outcomeSkipped:
				report.Skipped++
			default:
				report.Unchanged++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// sweepLoan writes the assessed loan only if nobody touched it since it was
// read. On a version miss the loan is re-read once; a loan that was returned
// in the meantime is skipped.
func (s *Scanner) sweepLoan(ctx context.Context, loan domain.Loan, now time.Time) (sweepOutcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if !loan.IsOpen() {
			return outcomeSkipped, nil
		}
		wasBorrowed := loan.Status == domain.LoanBorrowed
		if !s.policy.Assess(&loan, now) {
			return outcomeUnchanged, nil
		}
		ok, err := s.store.UpdateLoan(ctx, loan)
		if err != nil {
			return outcomeUnchanged, err
		}
		if ok {
			loan.Version++
			if wasBorrowed && loan.Status == domain.LoanOverdue {
				s.logger.Info("loan overdue", "loan_id", loan.ID, "user_id", loan.UserID, "fine", loan.Fine.StringFixed(2))
				if err := s.publisher.Publish(ctx, events.FromLoan(events.LoanOverdue, loan, now)); err != nil {
					s.logger.Warn("publish loan event failed", "type", events.LoanOverdue, "loan_id", loan.ID, "err", err)
				}
			}
			return outcomeUpdated, nil
		}
		fresh, found, err := s.store.GetLoan(ctx, loan.ID)
		if err != nil {
			return outcomeUnchanged, err
		}
		if !found {
			return outcomeSkipped, nil
		}
		loan = fresh
	}
	return outcomeSkipped, nil
}

// SweepOnce runs one sweep at the current time, under the lease when one is
// configured. It reports acquired=false when another process held the lease.
func (s *Scanner) SweepOnce(ctx context.Context) (report SweepReport, acquired bool, err error) {
	if s.lease != nil {
		handle, err := s.lease.TryAcquire(ctx)
		if err != nil {
			return SweepReport{}, false, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if handle == nil {
			return SweepReport{}, false, nil
		}
		stop := s.keepLease(ctx, handle)
		defer func() {
			stop()
			if rerr := handle.Release(context.WithoutCancel(ctx)); rerr != nil {
				s.logger.Warn("release sweep lease failed", "err", rerr)
			}
		}()
	}
	report, err = s.Sweep(ctx, s.now())
	return report, true, err
}

// ListOverdue sweeps at the current time and then returns every open loan past
// its due date, oldest due first, with its fine as of now. It does not take
// the lease; the version guard keeps it safe next to a scheduled sweep. Loans
// whose write failed are still listed with their assessed fine.
func (s *Scanner) ListOverdue(ctx context.Context) ([]domain.Loan, error) {
	now := s.now()
	report, err := s.Sweep(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(report.Failures) > 0 {
		s.logger.Warn("overdue listing could not persist every fine", "failed", len(report.Failures), "err", report.Err())
	}
	loans, err := s.store.ListOverdueLoans(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue loans: %w", err)
	}
	for i := range loans {
		s.policy.Assess(&loans[i], now)
	}
	return loans, nil
}

// keepLease extends the lease every third of its ttl until the returned stop
// func is called.
func (s *Scanner) keepLease(ctx context.Context, handle *sweeplock.Handle) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.lease.TTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := handle.Extend(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				s.logger.Warn("extend sweep lease failed", "err", err)
			case err == nil && !held:
				s.logger.Warn("sweep lease lost before the sweep finished")
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	report, acquired, err := s.SweepOnce(ctx)
	switch {
	case err != nil:
		s.logger.Error("overdue sweep failed", "err", err)
	case !acquired:
		s.logger.Debug("overdue sweep skipped, lease held elsewhere")
	default:
		level := slog.LevelInfo
		if len(report.Failures) > 0 {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "overdue sweep done",
			"scanned", report.Scanned,
			"updated", report.Updated,
			"unchanged", report.Unchanged,
			"skipped", report.Skipped,
			"failed", len(report.Failures),
			"err", report.Err(),
		)
	}
}
