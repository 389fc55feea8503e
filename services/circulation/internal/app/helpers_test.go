package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
	"github.com/developer-anubhav/Library-Management-Service/pkg/events"
	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
)

var (
	day0         = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	errInjected  = errors.New("injected failure")
	discardLog   = slog.New(slog.NewTextHandler(io.Discard, nil))
	isbnSequence int
	isbnMu       sync.Mutex
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: day0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type backend struct {
	name  string
	store store.Store
}

// backends returns a fresh in-memory store and a fresh SQLite store.
func backends(t *testing.T) []backend {
	t.Helper()
	sqlite, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return []backend{
		{name: "memory", store: store.NewMemoryStore()},
		{name: "sqlite", store: sqlite},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st store.Store)) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) { fn(t, b.store) })
	}
}

type fixture struct {
	app   *App
	store store.Store
	clock *fakeClock
	pub   *recordingPublisher
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	clock := newClock()
	pub := &recordingPublisher{}
	a, err := New(Config{Store: st, Publisher: pub, Logger: discardLog, Now: clock.Now})
	require.NoError(t, err)
	return &fixture{app: a, store: st, clock: clock, pub: pub}
}

func (f *fixture) addBook(t *testing.T, copies int) domain.Book {
	t.Helper()
	isbnMu.Lock()
	isbnSequence++
	isbn := fmt.Sprintf("978-0-00-%06d", isbnSequence)
	isbnMu.Unlock()
	b, err := f.app.AddBook(context.Background(), NewBook{
		Title:       "The Left Hand of Darkness",
		Author:      "Ursula K. Le Guin",
		ISBN:        isbn,
		Category:    domain.CategoryFiction,
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) addUser(t *testing.T, name string) domain.User {
	t.Helper()
	u, err := f.app.RegisterUser(context.Background(), name, name+"@example.com", domain.RoleUser)
	require.NoError(t, err)
	return u
}

func (f *fixture) book(t *testing.T, id string) domain.Book {
	t.Helper()
	b, err := f.app.GetBook(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) storedLoan(t *testing.T, id string) domain.Loan {
	t.Helper()
	l, ok, err := f.store.GetLoan(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return l
}

// requireConserved checks available + open loans == total for the book.
func (f *fixture) requireConserved(t *testing.T, bookID string) {
	t.Helper()
	ctx := context.Background()
	b := f.book(t, bookID)
	require.GreaterOrEqual(t, b.AvailableCopies, 0)
	require.LessOrEqual(t, b.AvailableCopies, b.TotalCopies)
	loans, err := f.store.ListLoans(ctx, "")
	require.NoError(t, err)
	open := 0
	for _, l := range loans {
		if l.BookID == bookID && l.IsOpen() {
			open++
		}
	}
	require.Equal(t, b.TotalCopies, b.AvailableCopies+open, "copies not conserved for %s", bookID)
}

// faultyStore fails the named Tx operation inside every transaction.
type faultyStore struct {
	store.Store
	failOn string
}

func (s *faultyStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, failOn: s.failOn})
	})
}

type faultyTx struct {
	store.Tx
	failOn string
}

func (t *faultyTx) AddUserLoan(ctx context.Context, userID, loanID string) error {
	if t.failOn == "AddUserLoan" {
		return errInjected
	}
	return t.Tx.AddUserLoan(ctx, userID, loanID)
}

func (t *faultyTx) RemoveUserLoan(ctx context.Context, userID, loanID string) error {
	if t.failOn == "RemoveUserLoan" {
		return errInjected
	}
	return t.Tx.RemoveUserLoan(ctx, userID, loanID)
}

func (t *faultyTx) IncrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error) {
	if t.failOn == "IncrementAvailable" {
		return domain.Book{}, false, errInjected
	}
	return t.Tx.IncrementAvailable(ctx, bookID)
}

func (t *faultyTx) DecrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error) {
	if t.failOn == "DecrementAvailable" {
		return domain.Book{}, false, errInjected
	}
	return t.Tx.DecrementAvailable(ctx, bookID)
}
