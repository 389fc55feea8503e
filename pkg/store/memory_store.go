package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
)

// MemoryStore keeps books, users and loans in-process. Transactions are
// serialized and staged on a copy of the state, so a failed transaction leaves
// nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	books map[string]domain.Book
	users map[string]domain.User
	loans map[string]domain.Loan
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		books: make(map[string]domain.Book),
		users: make(map[string]domain.User),
		loans: make(map[string]domain.Loan),
	}}
}

func (s *memState) clone() *memState {
	out := &memState{
		books: make(map[string]domain.Book, len(s.books)),
		users: make(map[string]domain.User, len(s.users)),
		loans: make(map[string]domain.Loan, len(s.loans)),
	}
	for id, b := range s.books {
		out.books[id] = b
	}
	for id, u := range s.users {
		u.BorrowedBooks = append([]string(nil), u.BorrowedBooks...)
		out.users[id] = u
	}
	for id, l := range s.loans {
		out.loans[id] = l
	}
	return out
}

// WithinTx runs fn against a staged copy and commits it only if fn succeeds
// and ctx is still live.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.update(ctx, func(st *memState) error {
		return fn(&memTx{st: st})
	})
}

func (m *MemoryStore) update(ctx context.Context, fn func(st *memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.state.clone()
	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemoryStore) read() *memTx {
	return &memTx{st: m.state}
}

// SaveBook stores or replaces a book's catalog fields.
func (m *MemoryStore) SaveBook(ctx context.Context, b domain.Book) error {
	return m.update(ctx, func(st *memState) error {
		for id, other := range st.books {
			if id != b.ID && other.ISBN == b.ISBN {
				return ErrConflict
			}
		}
		if existing, ok := st.books[b.ID]; ok {
			b.TotalCopies = existing.TotalCopies
			b.AvailableCopies = existing.AvailableCopies
			b.CreatedAt = existing.CreatedAt
		}
		st.books[b.ID] = b
		return nil
	})
}

// GetBookByISBN looks up a book by ISBN.
func (m *MemoryStore) GetBookByISBN(ctx context.Context, isbn string) (domain.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Book{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.state.books {
		if b.ISBN == isbn {
			return b, true, nil
		}
	}
	return domain.Book{}, false, nil
}

// ListBooks returns books ordered by creation time.
func (m *MemoryStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.state.books))
	for _, b := range m.state.books {
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// SaveUser registers or updates a user's profile fields.
func (m *MemoryStore) SaveUser(ctx context.Context, u domain.User) error {
	return m.update(ctx, func(st *memState) error {
		for id, other := range st.users {
			if id != u.ID && other.Email == u.Email {
				return ErrConflict
			}
		}
		if existing, ok := st.users[u.ID]; ok {
			u.BorrowedBooks = existing.BorrowedBooks
			u.CreatedAt = existing.CreatedAt
		}
		u.BorrowedBooks = nonNil(append([]string(nil), u.BorrowedBooks...))
		st.users[u.ID] = u
		return nil
	})
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.state.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

// ListUsers returns users ordered by creation time.
func (m *MemoryStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.state.users))
	for _, u := range m.state.users {
		u.BorrowedBooks = append([]string{}, u.BorrowedBooks...)
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// ListLoans returns loans newest first, optionally filtered by status.
func (m *MemoryStore) ListLoans(ctx context.Context, status domain.LoanStatus) ([]domain.Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().filterLoans(func(l domain.Loan) bool {
		return status == "" || l.Status == status
	}, newestFirst), nil
}

// Tx methods on the store itself run as single-operation transactions.

func (m *MemoryStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBook(ctx, id)
}

func (m *MemoryStore) DecrementAvailable(ctx context.Context, bookID string) (book domain.Book, ok bool, err error) {
	err = m.WithinTx(ctx, func(tx Tx) error {
		book, ok, err = tx.DecrementAvailable(ctx, bookID)
		return err
	})
	return book, ok, err
}

func (m *MemoryStore) IncrementAvailable(ctx context.Context, bookID string) (book domain.Book, ok bool, err error) {
	err = m.WithinTx(ctx, func(tx Tx) error {
		book, ok, err = tx.IncrementAvailable(ctx, bookID)
		return err
	})
	return book, ok, err
}

func (m *MemoryStore) ResizeBook(ctx context.Context, bookID string, total int) (book domain.Book, ok bool, err error) {
	err = m.WithinTx(ctx, func(tx Tx) error {
		book, ok, err = tx.ResizeBook(ctx, bookID, total)
		return err
	})
	return book, ok, err
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetUser(ctx, id)
}

func (m *MemoryStore) AddUserLoan(ctx context.Context, userID, loanID string) error {
	return m.WithinTx(ctx, func(tx Tx) error { return tx.AddUserLoan(ctx, userID, loanID) })
}

func (m *MemoryStore) RemoveUserLoan(ctx context.Context, userID, loanID string) error {
	return m.WithinTx(ctx, func(tx Tx) error { return tx.RemoveUserLoan(ctx, userID, loanID) })
}

func (m *MemoryStore) SetUserLoans(ctx context.Context, userID string, loanIDs []string) error {
	return m.WithinTx(ctx, func(tx Tx) error { return tx.SetUserLoans(ctx, userID, loanIDs) })
}

func (m *MemoryStore) FindOpenLoan(ctx context.Context, userID, bookID string) (domain.Loan, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindOpenLoan(ctx, userID, bookID)
}

func (m *MemoryStore) CreateLoan(ctx context.Context, loan domain.Loan) error {
	return m.WithinTx(ctx, func(tx Tx) error { return tx.CreateLoan(ctx, loan) })
}

func (m *MemoryStore) GetLoan(ctx context.Context, id string) (domain.Loan, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetLoan(ctx, id)
}

func (m *MemoryStore) UpdateLoan(ctx context.Context, loan domain.Loan) (ok bool, err error) {
	err = m.WithinTx(ctx, func(tx Tx) error {
		ok, err = tx.UpdateLoan(ctx, loan)
		return err
	})
	return ok, err
}

func (m *MemoryStore) ListOverdueLoans(ctx context.Context, now time.Time) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListOverdueLoans(ctx, now)
}

func (m *MemoryStore) ListLoansByUser(ctx context.Context, userID string) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListLoansByUser(ctx, userID)
}

// memTx applies operations to one state snapshot. The caller holds the lock.
type memTx struct {
	st *memState
}

func (t *memTx) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Book{}, false, err
	}
	b, ok := t.st.books[id]
	return b, ok, nil
}

func (t *memTx) DecrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error) {
	return t.adjustBook(ctx, bookID, func(b *domain.Book) bool {
		if !b.IsActive || b.AvailableCopies <= 0 {
			return false
		}
		b.AvailableCopies--
		return true
	})
}

func (t *memTx) IncrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error) {
	return t.adjustBook(ctx, bookID, func(b *domain.Book) bool {
		if b.AvailableCopies >= b.TotalCopies {
			return false
		}
		b.AvailableCopies++
		return true
	})
}

func (t *memTx) ResizeBook(ctx context.Context, bookID string, total int) (domain.Book, bool, error) {
	return t.adjustBook(ctx, bookID, func(b *domain.Book) bool {
		if total < 1 || b.OnLoan() > total {
			return false
		}
		b.AvailableCopies += total - b.TotalCopies
		b.TotalCopies = total
		return true
	})
}

func (t *memTx) adjustBook(ctx context.Context, bookID string, apply func(*domain.Book) bool) (domain.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Book{}, false, err
	}
	b, ok := t.st.books[bookID]
	if !ok {
		return domain.Book{}, false, ErrNotFound
	}
	if !apply(&b) {
		return t.st.books[bookID], false, nil
	}
	b.UpdatedAt = time.Now().UTC()
	t.st.books[bookID] = b
	return b, true, nil
}

func (t *memTx) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, false, err
	}
	u, ok := t.st.users[id]
	if ok {
		u.BorrowedBooks = append([]string{}, u.BorrowedBooks...)
	}
	return u, ok, nil
}

func (t *memTx) AddUserLoan(ctx context.Context, userID, loanID string) error {
	return t.editUserLoans(ctx, userID, func(ids []string) []string {
		for _, id := range ids {
			if id == loanID {
				return ids
			}
		}
		return append(ids, loanID)
	})
}

func (t *memTx) RemoveUserLoan(ctx context.Context, userID, loanID string) error {
	return t.editUserLoans(ctx, userID, func(ids []string) []string {
		filtered := make([]string, 0, len(ids))
		for _, id := range ids {
			if id != loanID {
				filtered = append(filtered, id)
			}
		}
		return filtered
	})
}

func (t *memTx) SetUserLoans(ctx context.Context, userID string, loanIDs []string) error {
	return t.editUserLoans(ctx, userID, func([]string) []string {
		return append([]string{}, loanIDs...)
	})
}

func (t *memTx) editUserLoans(ctx context.Context, userID string, edit func([]string) []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, ok := t.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.BorrowedBooks = nonNil(edit(u.BorrowedBooks))
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) FindOpenLoan(ctx context.Context, userID, bookID string) (domain.Loan, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Loan{}, false, err
	}
	for _, l := range t.st.loans {
		if l.UserID == userID && l.BookID == bookID && l.IsOpen() {
			return l, true, nil
		}
	}
	return domain.Loan{}, false, nil
}

func (t *memTx) CreateLoan(ctx context.Context, loan domain.Loan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, exists := t.st.loans[loan.ID]; exists {
		return ErrConflict
	}
	if loan.IsOpen() {
		for _, l := range t.st.loans {
			if l.UserID == loan.UserID && l.BookID == loan.BookID && l.IsOpen() {
				return ErrConflict
			}
		}
	}
	if loan.Version == 0 {
		loan.Version = 1
	}
	t.st.loans[loan.ID] = loan
	return nil
}

func (t *memTx) GetLoan(ctx context.Context, id string) (domain.Loan, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Loan{}, false, err
	}
	l, ok := t.st.loans[id]
	return l, ok, nil
}

func (t *memTx) UpdateLoan(ctx context.Context, loan domain.Loan) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	stored, ok := t.st.loans[loan.ID]
	if !ok || stored.Version != loan.Version || !stored.IsOpen() {
		return false, nil
	}
	stored.Status = loan.Status
	stored.Fine = loan.Fine
	stored.ReturnDate = loan.ReturnDate
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	t.st.loans[loan.ID] = stored
	return true, nil
}

func (t *memTx) ListOverdueLoans(ctx context.Context, now time.Time) ([]domain.Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.filterLoans(func(l domain.Loan) bool {
		return l.IsOpen() && l.DueDate.Before(now)
	}, func(a, b domain.Loan) bool { return a.DueDate.Before(b.DueDate) }), nil
}

func (t *memTx) ListLoansByUser(ctx context.Context, userID string) ([]domain.Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.filterLoans(func(l domain.Loan) bool { return l.UserID == userID }, newestFirst), nil
}

func (t *memTx) filterLoans(keep func(domain.Loan) bool, less func(a, b domain.Loan) bool) []domain.Loan {
	res := make([]domain.Loan, 0)
	for _, l := range t.st.loans {
		if keep(l) {
			res = append(res, l)
		}
	}
	sort.Slice(res, func(i, j int) bool { return less(res[i], res[j]) })
	return res
}

func newestFirst(a, b domain.Loan) bool {
	return a.BorrowDate.After(b.BorrowDate)
}
