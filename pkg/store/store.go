package store

import (
	"context"
	"errors"
	"time"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
)

var (
	// ErrConflict reports a unique-key collision (isbn, email, or a second open
	// loan for the same user and book).
	ErrConflict = errors.New("store: unique constraint violated")
	// ErrNotFound reports that the row addressed by a write does not exist.
	ErrNotFound = errors.New("store: record not found")
)

// Tx is the set of operations available inside one unit of work. Every
// mutation is a single conditional write; the bool results report whether the
// guard held and the row was changed.
type Tx interface {
	// books
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	// DecrementAvailable takes one copy when the book is active and
	// available_copies > 0.
	DecrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error)
	// IncrementAvailable puts one copy back when available_copies < total_copies.
	IncrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error)
	// ResizeBook sets total_copies and shifts available_copies by the same
	// delta, provided no more copies are on loan than the new total allows.
	ResizeBook(ctx context.Context, bookID string, total int) (domain.Book, bool, error)

	// users
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	AddUserLoan(ctx context.Context, userID, loanID string) error
	RemoveUserLoan(ctx context.Context, userID, loanID string) error
	SetUserLoans(ctx context.Context, userID string, loanIDs []string) error

	// loans
	FindOpenLoan(ctx context.Context, userID, bookID string) (domain.Loan, bool, error)
	CreateLoan(ctx context.Context, loan domain.Loan) error
	GetLoan(ctx context.Context, id string) (domain.Loan, bool, error)
	// UpdateLoan writes status, fine and return date when the stored version
	// still equals loan.Version and the stored loan is still open. On success
	// the stored version is incremented.
	UpdateLoan(ctx context.Context, loan domain.Loan) (bool, error)
	ListOverdueLoans(ctx context.Context, now time.Time) ([]domain.Loan, error)
	ListLoansByUser(ctx context.Context, userID string) ([]domain.Loan, error)
}

// Store persists books, users and loans.
type Store interface {
	Tx

	// WithinTx runs fn in a transaction. Any error returned by fn, or a
	// cancelled ctx, rolls back every write fn made.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	SaveBook(ctx context.Context, b domain.Book) error
	GetBookByISBN(ctx context.Context, isbn string) (domain.Book, bool, error)
	ListBooks(ctx context.Context) ([]domain.Book, error)

	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	ListLoans(ctx context.Context, status domain.LoanStatus) ([]domain.Loan, error)
}
