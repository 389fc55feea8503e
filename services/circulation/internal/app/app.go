package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/developer-anubhav/Library-Management-Service/internal/util"
	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
	"github.com/developer-anubhav/Library-Management-Service/pkg/events"
	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
)

const maxNotesLen = 500

// returnAttempts bounds how often ReturnBook re-reads a loan whose version
// moved under it (typically an overdue sweep writing the fine first).
const returnAttempts = 3

// Config holds runtime configuration for the circulation core.
type Config struct {
	Store     store.Store
	Policy    FinePolicy
	Publisher events.Publisher
	Logger    *slog.Logger
	// Now is the clock; defaults to time.Now in UTC.
	Now func() time.Time
}

// App coordinates borrowing and returning across the inventory ledger, the
// loan records and each user's active-loan index.
type App struct {
	store     store.Store
	policy    FinePolicy
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	ledger    ledger
}

// New constructs the application.
func New(cfg Config) (*App, error) {
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
	return &App{
		store:     cfg.Store,
		policy:    policy,
		publisher: pub,
		logger:    logger,
		now:       now,
	}, nil
}

// BorrowRequest asks for one copy of BookID on behalf of UserID.
type BorrowRequest struct {
	BookID string
	UserID string
	// DueDate overrides now + loan period when set.
	DueDate *time.Time
	Notes   string
}

// Borrow lends one copy of a book to a user. The loan record, the copy
// decrement and the user's index update commit together or not at all.
func (a *App) Borrow(ctx context.Context, req BorrowRequest) (domain.Loan, error) {
	now := a.now()
	due := now.Add(a.policy.LoanPeriod)
	if req.DueDate != nil {
		if !req.DueDate.After(now) {
			return domain.Loan{}, ErrInvalidDueDate
		}
		due = req.DueDate.UTC()
	}
	notes := strings.TrimSpace(req.Notes)
	if utf8.RuneCountInString(notes) > maxNotesLen {
		return domain.Loan{}, ErrNotesTooLong
	}

	loan := domain.Loan{
		ID:         util.NewID(),
		UserID:     req.UserID,
		BookID:     req.BookID,
		BorrowDate: now,
		DueDate:    due,
		Status:     domain.LoanBorrowed,
		Fine:       decimal.Zero,
		Notes:      notes,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		book, ok, err := tx.GetBook(ctx, req.BookID)
		if err != nil {
			return fmt.Errorf("load book: %w", err)
		}
		if !ok || !book.IsActive {
			return ErrBookNotFound
		}
		if book.AvailableCopies <= 0 {
			return ErrBookUnavailable
		}
		user, ok, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if !ok || !user.IsActive {
			return ErrUserNotFound
		}
		if _, open, err := tx.FindOpenLoan(ctx, req.UserID, req.BookID); err != nil {
			return fmt.Errorf("find open loan: %w", err)
		} else if open {
			return ErrDuplicateLoan
		}

		if err := tx.CreateLoan(ctx, loan); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrDuplicateLoan
			}
			return fmt.Errorf("create loan: %w", err)
		}
		if _, err := a.ledger.decrementAvailable(ctx, tx, req.BookID); err != nil {
			if errors.Is(err, ErrInventoryExhausted) {
				return fmt.Errorf("%w: %w", ErrBookUnavailable, err)
			}
			return err
		}
		if err := tx.AddUserLoan(ctx, req.UserID, loan.ID); err != nil {
			return fmt.Errorf("index loan: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.logger.Info("book borrowed", "loan_id", loan.ID, "book_id", loan.BookID, "user_id", loan.UserID, "due", loan.DueDate)
	a.publish(ctx, events.FromLoan(events.LoanBorrowed, loan, now))
	return loan, nil
}

// ReturnBook closes an open loan, freezing its fine, and puts the copy back.
func (a *App) ReturnBook(ctx context.Context, loanID string) (domain.Loan, error) {
	now := a.now()
	var closed domain.Loan
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		for attempt := 0; ; attempt++ {
			loan, ok, err := tx.GetLoan(ctx, loanID)
			if err != nil {
				return fmt.Errorf("load loan: %w", err)
			}
			if !ok {
				return ErrLoanNotFound
			}
			if err := a.policy.Close(&loan, now); err != nil {
				return err
			}
			updated, err := tx.UpdateLoan(ctx, loan)
			if err != nil {
				return fmt.Errorf("close loan: %w", err)
			}
			if updated {
				loan.Version++
				closed = loan
				break
			}
			if attempt+1 >= returnAttempts {
				return ErrAlreadyReturned
			}
		}
		if _, err := a.ledger.incrementAvailable(ctx, tx, closed.BookID); err != nil {
			return err
		}
		if err := tx.RemoveUserLoan(ctx, closed.UserID, closed.ID); err != nil {
			return fmt.Errorf("unindex loan: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Loan{}, err
	}
	closed.UpdatedAt = now
	a.logger.Info("book returned", "loan_id", closed.ID, "book_id", closed.BookID, "fine", closed.Fine.StringFixed(2))
	a.publish(ctx, events.FromLoan(events.LoanReturned, closed, now))
	return closed, nil
}

// ListUserLoans returns a user's loans, newest first, optionally filtered by
// status. Open loans carry the fine as of now; nothing is written back.
func (a *App) ListUserLoans(ctx context.Context, userID string, status domain.LoanStatus) ([]domain.Loan, error) {
	if status != "" && !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if _, ok, err := a.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	} else if !ok {
		return nil, ErrUserNotFound
	}
	loans, err := a.store.ListLoansByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	now := a.now()
	res := make([]domain.Loan, 0, len(loans))
	for _, loan := range loans {
		a.policy.Assess(&loan, now)
		if status != "" && loan.Status != status {
			continue
		}
		res = append(res, loan)
	}
	return res, nil
}

// GetLoan returns one loan with its fine assessed as of now.
func (a *App) GetLoan(ctx context.Context, loanID string) (domain.Loan, error) {
	loan, ok, err := a.store.GetLoan(ctx, loanID)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("load loan: %w", err)
	}
	if !ok {
		return domain.Loan{}, ErrLoanNotFound
	}
	a.policy.Assess(&loan, a.now())
	return loan, nil
}

// ListLoans returns every loan with the given status, or all loans when
// status is empty.
func (a *App) ListLoans(ctx context.Context, status domain.LoanStatus) ([]domain.Loan, error) {
	if status != "" && !status.Valid() {
		return nil, ErrInvalidStatus
	}
	return a.store.ListLoans(ctx, status)
}

// RebuildUserIndex recomputes a user's active-loan index from the open loan
// records, oldest first, and returns it.
func (a *App) RebuildUserIndex(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, ok, err := tx.GetUser(ctx, userID); err != nil {
			return fmt.Errorf("load user: %w", err)
		} else if !ok {
			return ErrUserNotFound
		}
		loans, err := tx.ListLoansByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("list loans: %w", err)
		}
		ids = make([]string, 0, len(loans))
		for i := len(loans) - 1; i >= 0; i-- {
			if loans[i].IsOpen() {
				ids = append(ids, loans[i].ID)
			}
		}
		return tx.SetUserLoans(ctx, userID, ids)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *App) publish(ctx context.Context, evt events.Event) {
	if err := a.publisher.Publish(ctx, evt); err != nil {
		a.logger.Warn("publish loan event failed", "type", evt.Type, "loan_id", evt.LoanID, "err", err)
	}
}
