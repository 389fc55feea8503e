package events

import (
	"context"
	"time"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
)

type Type string

const (
	LoanBorrowed Type = "loan.borrowed"
	LoanReturned Type = "loan.returned"
	LoanOverdue  Type = "loan.overdue"
)

// Event is a committed loan lifecycle change.
type Event struct {
	Type       Type      `json:"type"`
	LoanID     string    `json:"loanId"`
	UserID     string    `json:"userId"`
	BookID     string    `json:"bookId"`
	Status     string    `json:"status"`
	Fine       string    `json:"fine"`
	DueDate    time.Time `json:"dueDate"`
	OccurredAt time.Time `json:"occurredAt"`
}

// FromLoan builds an event describing loan's current state.
func FromLoan(t Type, loan domain.Loan, at time.Time) Event {
	return Event{
		Type:       t,
		LoanID:     loan.ID,
		UserID:     loan.UserID,
		BookID:     loan.BookID,
		Status:     string(loan.Status),
		Fine:       loan.Fine.StringFixed(2),
		DueDate:    loan.DueDate.UTC(),
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events after the change they describe has committed.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
