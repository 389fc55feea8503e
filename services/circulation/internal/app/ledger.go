package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
)

// ledger moves copies in and out of a book's available pool. Each call is one
// conditional update, so the bounds 0 <= available <= total hold in the store
// itself and not only in this process.
type ledger struct{}

func (ledger) decrementAvailable(ctx context.Context, tx store.Tx, bookID string) (domain.Book, error) {
	book, ok, err := tx.DecrementAvailable(ctx, bookID)
	if err != nil {
		return domain.Book{}, ledgerStoreError("decrement available copies", err)
	}
	if !ok {
		if !book.IsActive {
			return book, ErrBookNotFound
		}
		return book, ErrInventoryExhausted
	}
	return book, checkCopyBounds(book)
}

func (ledger) incrementAvailable(ctx context.Context, tx store.Tx, bookID string) (domain.Book, error) {
	book, ok, err := tx.IncrementAvailable(ctx, bookID)
	if err != nil {
		return domain.Book{}, ledgerStoreError("increment available copies", err)
	}
	if !ok {
		return book, fmt.Errorf("%w: book %s has %d of %d copies available",
			ErrInventoryInvariantViolation, bookID, book.AvailableCopies, book.TotalCopies)
	}
	return book, checkCopyBounds(book)
}

func (ledger) resize(ctx context.Context, tx store.Tx, bookID string, total int) (domain.Book, error) {
	if total < 1 {
		return domain.Book{}, ErrInvalidCopies
	}
	book, ok, err := tx.ResizeBook(ctx, bookID, total)
	if err != nil {
		return domain.Book{}, ledgerStoreError("resize book", err)
	}
	if !ok {
		return book, fmt.Errorf("%w: %d copies of book %s are on loan, cannot shrink to %d",
			ErrInventoryInvariantViolation, book.OnLoan(), bookID, total)
	}
	return book, checkCopyBounds(book)
}

// checkCopyBounds re-verifies the row the store wrote.
func checkCopyBounds(b domain.Book) error {
	if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		return fmt.Errorf("%w: book %s has %d of %d copies available",
			ErrInventoryInvariantViolation, b.ID, b.AvailableCopies, b.TotalCopies)
	}
	return nil
}

func ledgerStoreError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrBookNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
