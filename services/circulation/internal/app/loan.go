package app

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
)

const (
	DefaultLoanPeriod = 30 * 24 * time.Hour
	day               = 24 * time.Hour
)

// DefaultDailyFine is the fine charged per started day past the due date.
var DefaultDailyFine = decimal.RequireFromString("0.50")

// FinePolicy prices overdue loans.
type FinePolicy struct {
	LoanPeriod time.Duration
	DailyRate  decimal.Decimal
}

// DefaultFinePolicy returns the 30 days / 0.50 per day policy.
func DefaultFinePolicy() FinePolicy {
	return FinePolicy{LoanPeriod: DefaultLoanPeriod, DailyRate: DefaultDailyFine}
}

// Validate rejects non-positive periods and rates, and rates finer than a
// cent, which the fine column cannot hold.
func (p FinePolicy) Validate() error {
	if p.LoanPeriod <= 0 || !p.DailyRate.IsPositive() {
		return ErrFinePolicyRange
	}
	if !p.DailyRate.Equal(p.DailyRate.Round(2)) {
		return ErrFinePolicyRange
	}
	return nil
}

// DaysOverdue is ceil((at - due) / 24h), or 0 when at is not after due.
func DaysOverdue(due, at time.Time) int64 {
	if !at.After(due) {
		return 0
	}
	elapsed := at.Sub(due)
	days := int64(elapsed / day)
	if elapsed%day != 0 {
		days++
	}
	return days
}

// FineAt prices a loan due at due and evaluated at at.
func (p FinePolicy) FineAt(due, at time.Time) decimal.Decimal {
	days := DaysOverdue(due, at)
	if days == 0 {
		return decimal.Zero
	}
	return p.DailyRate.Mul(decimal.NewFromInt(days))
}

// Assess recomputes the fine of an open loan as of at. The fine never
// decreases, and the first positive fine moves a borrowed loan to overdue.
// Returned loans are left untouched. It reports whether the loan changed.
func (p FinePolicy) Assess(loan *domain.Loan, at time.Time) bool {
	if !loan.IsOpen() {
		return false
	}
	changed := false
	fine := p.FineAt(loan.DueDate, at)
	if fine.GreaterThan(loan.Fine) {
		loan.Fine = fine
		changed = true
	}
	if loan.Status == domain.LoanBorrowed && loan.Fine.IsPositive() {
		loan.Status = domain.LoanOverdue
		changed = true
	}
	return changed
}

// Close freezes the fine as of at and moves the loan to returned.
func (p FinePolicy) Close(loan *domain.Loan, at time.Time) error {
	if !loan.IsOpen() {
		return ErrAlreadyReturned
	}
	p.Assess(loan, at)
	returned := at
	loan.ReturnDate = &returned
	loan.Status = domain.LoanReturned
	return nil
}
