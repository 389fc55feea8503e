package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
)

func TestLedgerRefusesToLeaveBounds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		book := f.addBook(t, 1)
		var l ledger

		err := st.WithinTx(ctx, func(tx store.Tx) error {
			_, err := l.incrementAvailable(ctx, tx, book.ID)
			return err
		})
		assert.ErrorIs(t, err, ErrInventoryInvariantViolation)

		require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
			b, err := l.decrementAvailable(ctx, tx, book.ID)
			if err == nil {
				assert.Equal(t, 0, b.AvailableCopies)
			}
			return err
		}))
		err = st.WithinTx(ctx, func(tx store.Tx) error {
			_, err := l.decrementAvailable(ctx, tx, book.ID)
			return err
		})
		assert.ErrorIs(t, err, ErrInventoryExhausted)

		err = st.WithinTx(ctx, func(tx store.Tx) error {
			_, err := l.decrementAvailable(ctx, tx, "missing")
			return err
		})
		assert.ErrorIs(t, err, ErrBookNotFound)

		b := f.book(t, book.ID)
		assert.Equal(t, 0, b.AvailableCopies)
		assert.Equal(t, 1, b.TotalCopies)
	})
}
