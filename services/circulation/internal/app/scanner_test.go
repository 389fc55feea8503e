package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-anubhav/Library-Management-Service/internal/sweeplock"
	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
	"github.com/developer-anubhav/Library-Management-Service/pkg/events"
	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
)

func newScanner(t *testing.T, f *fixture, st store.Store, lease *sweeplock.Lease) *Scanner {
	t.Helper()
	s, err := NewScanner(ScannerConfig{
		Store:       st,
		Publisher:   f.pub,
		Concurrency: 3,
		Lease:       lease,
		Logger:      discardLog,
		Now:         f.clock.Now,
	})
	require.NoError(t, err)
	return s
}

func TestSweepMarksOverdueAndPersistsFine(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		user := f.addUser(t, "wes")
		late, err := f.app.Borrow(ctx, BorrowRequest{BookID: f.addBook(t, 1).ID, UserID: user.ID})
		require.NoError(t, err)
		f.clock.Set(day0.Add(20 * 24 * time.Hour))
		onTime, err := f.app.Borrow(ctx, BorrowRequest{BookID: f.addBook(t, 1).ID, UserID: user.ID})
		require.NoError(t, err)

		s := newScanner(t, f, st, nil)
		report, err := s.Sweep(ctx, day0.Add(35*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Scanned)
		assert.Equal(t, 1, report.Updated)
		assert.NoError(t, report.Err())

		stored := f.storedLoan(t, late.ID)
		assert.Equal(t, domain.LoanOverdue, stored.Status)
		assert.Equal(t, "2.50", stored.Fine.StringFixed(2))
		assert.Equal(t, late.Version+1, stored.Version)
		assert.Equal(t, domain.LoanBorrowed, f.storedLoan(t, onTime.ID).Status)
		assert.Contains(t, f.pub.types(), events.LoanOverdue)

		// A second sweep at the same instant changes nothing.
		report, err = s.Sweep(ctx, day0.Add(35*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Unchanged)
		assert.Equal(t, 0, report.Updated)

		// A later sweep raises the fine without another overdue event.
		overdueEvents := countType(f.pub.types(), events.LoanOverdue)
		report, err = s.Sweep(ctx, day0.Add(37*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Updated)
		assert.Equal(t, "3.50", f.storedLoan(t, late.ID).Fine.StringFixed(2))
		assert.Equal(t, overdueEvents, countType(f.pub.types(), events.LoanOverdue))
	})
}

func countType(types []events.Type, want events.Type) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestSweepHandlesManyLoans(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		book := f.addBook(t, 12)
		for i := 0; i < 12; i++ {
			_, err := f.app.Borrow(ctx, BorrowRequest{BookID: book.ID, UserID: f.addUser(t, "reader"+string(rune('a'+i))).ID})
			require.NoError(t, err)
		}

		report, err := newScanner(t, f, st, nil).Sweep(ctx, day0.Add(31*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 12, report.Scanned)
		assert.Equal(t, 12, report.Updated)

		overdue, err := st.ListLoans(ctx, domain.LoanOverdue)
		require.NoError(t, err)
		assert.Len(t, overdue, 12)
		f.requireConserved(t, book.ID)
	})
}

// returnFirstStore returns the loan through the coordinator right before the
// scanner's first conditional write lands.
type returnFirstStore struct {
	store.Store
	app      *App
	once     sync.Once
	err      error
	returned string
}

func (s *returnFirstStore) UpdateLoan(ctx context.Context, loan domain.Loan) (bool, error) {
	s.once.Do(func() {
		s.returned = loan.ID
		_, s.err = s.app.ReturnBook(ctx, loan.ID)
	})
	return s.Store.UpdateLoan(ctx, loan)
}

func TestSweepSkipsLoanReturnedMidSweep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		book := f.addBook(t, 1)
		loan, err := f.app.Borrow(ctx, BorrowRequest{BookID: book.ID, UserID: f.addUser(t, "xia").ID})
		require.NoError(t, err)

		sweepAt := day0.Add(35 * 24 * time.Hour)
		f.clock.Set(sweepAt)
		racing := &returnFirstStore{Store: st, app: f.app}
		report, err := newScanner(t, f, racing, nil).Sweep(ctx, sweepAt)
		require.NoError(t, err)
		require.NoError(t, racing.err)

		assert.Equal(t, 1, report.Scanned)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, report.Updated)
		assert.Empty(t, report.Failures)

		stored := f.storedLoan(t, loan.ID)
		assert.Equal(t, domain.LoanReturned, stored.Status)
		assert.Equal(t, "2.50", stored.Fine.StringFixed(2))
		require.NotNil(t, stored.ReturnDate)
		assert.Equal(t, 1, f.book(t, book.ID).AvailableCopies)
		assert.NotContains(t, f.pub.types(), events.LoanOverdue)
	})
}

func TestSweepUpdatesOthersWhenOneIsReturnedMidSweep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		book := f.addBook(t, 3)
		for _, name := range []string{"ida", "jon", "kim"} {
			_, err := f.app.Borrow(ctx, BorrowRequest{BookID: book.ID, UserID: f.addUser(t, name).ID})
			require.NoError(t, err)
		}

		sweepAt := day0.Add(35 * 24 * time.Hour)
		f.clock.Set(sweepAt)
		racing := &returnFirstStore{Store: st, app: f.app}
		report, err := newScanner(t, f, racing, nil).Sweep(ctx, sweepAt)
		require.NoError(t, err)
		require.NoError(t, racing.err)
		require.NotEmpty(t, racing.returned)

		assert.Equal(t, 3, report.Scanned)
		assert.Equal(t, 2, report.Updated)
		assert.Equal(t, 1, report.Skipped)
		assert.Empty(t, report.Failures)

		loans, err := st.ListLoans(ctx, "")
		require.NoError(t, err)
		require.Len(t, loans, 3)
		for _, l := range loans {
			if l.ID == racing.returned {
				assert.Equal(t, domain.LoanReturned, l.Status, "returned loan was reverted")
				continue
			}
			assert.Equal(t, domain.LoanOverdue, l.Status)
			assert.Equal(t, "2.50", l.Fine.StringFixed(2))
		}
		assert.Equal(t, 2, countType(f.pub.types(), events.LoanOverdue))
		assert.Equal(t, 1, f.book(t, book.ID).AvailableCopies)
		f.requireConserved(t, book.ID)
	})
}

func TestListOverdueAssessesLoansNotYetSwept(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		user := f.addUser(t, "lou")
		late, err := f.app.Borrow(ctx, BorrowRequest{BookID: f.addBook(t, 1).ID, UserID: user.ID})
		require.NoError(t, err)
		f.clock.Set(day0.Add(20 * 24 * time.Hour))
		_, err = f.app.Borrow(ctx, BorrowRequest{BookID: f.addBook(t, 1).ID, UserID: user.ID})
		require.NoError(t, err)

		f.clock.Set(day0.Add(35 * 24 * time.Hour))
		overdue, err := newScanner(t, f, st, nil).ListOverdue(ctx)
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, late.ID, overdue[0].ID)
		assert.Equal(t, domain.LoanOverdue, overdue[0].Status)
		assert.Equal(t, "2.50", overdue[0].Fine.StringFixed(2))

		stored := f.storedLoan(t, late.ID)
		assert.Equal(t, domain.LoanOverdue, stored.Status)
		assert.Equal(t, "2.50", stored.Fine.StringFixed(2))
	})
}

func TestListOverdueShowsFineWhenWriteFails(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	ctx := context.Background()
	loan, err := f.app.Borrow(ctx, BorrowRequest{BookID: f.addBook(t, 1).ID, UserID: f.addUser(t, "max").ID})
	require.NoError(t, err)

	f.clock.Set(day0.Add(33 * 24 * time.Hour))
	flaky := &flakyUpdateStore{Store: f.store, failID: loan.ID}
	overdue, err := newScanner(t, f, flaky, nil).ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "1.50", overdue[0].Fine.StringFixed(2))
	assert.Equal(t, domain.LoanBorrowed, f.storedLoan(t, loan.ID).Status)
}

// flakyUpdateStore fails the conditional write for one loan.
type flakyUpdateStore struct {
	store.Store
	failID string
}

func (s *flakyUpdateStore) UpdateLoan(ctx context.Context, loan domain.Loan) (bool, error) {
	if loan.ID == s.failID {
		return false, errInjected
	}
	return s.Store.UpdateLoan(ctx, loan)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	ctx := context.Background()
	book := f.addBook(t, 3)
	var loans []domain.Loan
	for _, name := range []string{"yan", "zed", "abe"} {
		l, err := f.app.Borrow(ctx, BorrowRequest{BookID: book.ID, UserID: f.addUser(t, name).ID})
		require.NoError(t, err)
		loans = append(loans, l)
	}

	flaky := &flakyUpdateStore{Store: f.store, failID: loans[1].ID}
	report, err := newScanner(t, f, flaky, nil).Sweep(ctx, day0.Add(32*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Updated)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, loans[1].ID, report.Failures[0].LoanID)
	assert.True(t, errors.Is(report.Err(), errInjected))

	assert.Equal(t, domain.LoanBorrowed, f.storedLoan(t, loans[1].ID).Status)
	assert.Equal(t, domain.LoanOverdue, f.storedLoan(t, loans[0].ID).Status)
}

func TestSweepOnceRespectsLease(t *testing.T) {
	mr := miniredis.RunT(t)
	lease, err := sweeplock.New(mr.Addr(), "", "test:sweep", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lease.Close() })

	f := newFixture(t, store.NewMemoryStore())
	ctx := context.Background()
	_, err = f.app.Borrow(ctx, BorrowRequest{BookID: f.addBook(t, 1).ID, UserID: f.addUser(t, "bea").ID})
	require.NoError(t, err)
	f.clock.Set(day0.Add(31 * 24 * time.Hour))
	s := newScanner(t, f, f.store, lease)

	held, err := lease.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)
	_, acquired, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, held.Release(ctx))
	report, acquired, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, 1, report.Updated)
	assert.False(t, mr.Exists("test:sweep"), "lease is released after the sweep")
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loan, err := f.app.Borrow(ctx, BorrowRequest{BookID: f.addBook(t, 1).ID, UserID: f.addUser(t, "cal").ID})
	require.NoError(t, err)
	f.clock.Set(day0.Add(31 * 24 * time.Hour))
	s := newScanner(t, f, f.store, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		l, ok, err := f.store.GetLoan(context.Background(), loan.ID)
		return err == nil && ok && l.Status == domain.LoanOverdue
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	assert.Error(t, s.Run(context.Background(), 0))
}

// slowListStore stalls the sweep's listing while lease time passes, and
// records whether the lease survived.
type slowListStore struct {
	store.Store
	mr       *miniredis.Miniredis
	key      string
	survived bool
}

func (s *slowListStore) ListOverdueLoans(ctx context.Context, now time.Time) ([]domain.Loan, error) {
	for i := 0; i < 5; i++ {
		s.mr.FastForward(20 * time.Millisecond)
		time.Sleep(40 * time.Millisecond)
	}
	s.survived = s.mr.Exists(s.key)
	return s.Store.ListOverdueLoans(ctx, now)
}

func TestSweepOnceExtendsLeaseDuringLongSweep(t *testing.T) {
	mr := miniredis.RunT(t)
	lease, err := sweeplock.New(mr.Addr(), "", "test:sweep", 30*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lease.Close() })

	f := newFixture(t, store.NewMemoryStore())
	slow := &slowListStore{Store: f.store, mr: mr, key: "test:sweep"}
	s := newScanner(t, f, slow, lease)

	_, acquired, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, slow.survived, "lease expired while the sweep was still running")
	assert.False(t, mr.Exists("test:sweep"))
}
