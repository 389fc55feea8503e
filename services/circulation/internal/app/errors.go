package app

import "errors"

// Kind classifies a circulation failure so callers can map it to a response.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindInvariantViolation
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is a typed circulation failure. The exported values below are
// sentinels: match them with errors.Is.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

var (
	ErrBookNotFound = newError(KindNotFound, "book not found")
	ErrUserNotFound = newError(KindNotFound, "user not found")
	ErrLoanNotFound = newError(KindNotFound, "loan not found")

	ErrBookUnavailable = newError(KindConflict, "book is not available for borrowing")
	// ErrDuplicateLoan is returned when the user already holds an open loan of the book.
	ErrDuplicateLoan      = newError(KindConflict, "book already borrowed by this user")
	ErrAlreadyReturned    = newError(KindConflict, "book has already been returned")
	ErrInventoryExhausted = newError(KindConflict, "no copies left to lend")
	ErrISBNExists         = newError(KindConflict, "isbn already exists")
	ErrEmailExists        = newError(KindConflict, "email already exists")

	// ErrInventoryInvariantViolation means a write would push available copies
	// outside [0, total]. Correct coordination never triggers it.
	ErrInventoryInvariantViolation = newError(KindInvariantViolation, "available copies would leave [0, total]")

	ErrInvalidDueDate  = newError(KindInvalid, "due date must be after the borrow date")
	ErrInvalidBook     = newError(KindInvalid, "title, author, isbn and a known category are required")
	ErrInvalidCopies   = newError(KindInvalid, "total copies must be at least 1")
	ErrInvalidUser     = newError(KindInvalid, "name and email required")
	ErrInvalidRole     = newError(KindInvalid, "role must be user or admin")
	ErrInvalidStatus   = newError(KindInvalid, "unknown loan status")
	ErrNotesTooLong    = newError(KindInvalid, "notes cannot be more than 500 characters")
	ErrFinePolicyRange = newError(KindInvalid, "loan period and daily rate must be positive, with the rate in whole cents")
)

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown
// for store and context failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
