package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/developer-anubhav/Library-Management-Service/internal/util"
	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
)

// NewBook holds the catalog fields of a book being added.
type NewBook struct {
	Title         string
	Author        string
	ISBN          string
	Category      domain.Category
	PublishedYear int
	Publisher     string
	Language      string
	TotalCopies   int
}

// BookFilter narrows ListBooks. Zero values match everything.
type BookFilter struct {
	Category      domain.Category
	Search        string
	AvailableOnly bool
	// IncludeInactive also returns soft-deleted books.
	IncludeInactive bool
}

// AddBook registers a book with all of its copies available.
func (a *App) AddBook(ctx context.Context, nb NewBook) (domain.Book, error) {
	nb.Title = strings.TrimSpace(nb.Title)
	nb.Author = strings.TrimSpace(nb.Author)
	nb.ISBN = strings.TrimSpace(nb.ISBN)
	if nb.Title == "" || nb.Author == "" || nb.ISBN == "" || !nb.Category.Valid() {
		return domain.Book{}, ErrInvalidBook
	}
	if nb.TotalCopies < 1 {
		return domain.Book{}, ErrInvalidCopies
	}
	if _, exists, err := a.store.GetBookByISBN(ctx, nb.ISBN); err != nil {
		return domain.Book{}, fmt.Errorf("check isbn: %w", err)
	} else if exists {
		return domain.Book{}, ErrISBNExists
	}
	language := strings.TrimSpace(nb.Language)
	if language == "" {
		language = "English"
	}
	now := a.now()
	book := domain.Book{
		ID:              util.NewID(),
		Title:           nb.Title,
		Author:          nb.Author,
		ISBN:            nb.ISBN,
		Category:        nb.Category,
		PublishedYear:   nb.PublishedYear,
		Publisher:       strings.TrimSpace(nb.Publisher),
		Language:        language,
		TotalCopies:     nb.TotalCopies,
		AvailableCopies: nb.TotalCopies,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.SaveBook(ctx, book); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Book{}, ErrISBNExists
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	a.logger.Info("book added", "book_id", book.ID, "isbn", book.ISBN, "copies", book.TotalCopies)
	return book, nil
}

// GetBook retrieves a book by ID, active or not.
func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("load book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// ListBooks returns catalog entries matching f, oldest first.
func (a *App) ListBooks(ctx context.Context, f BookFilter) ([]domain.Book, error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, ErrInvalidBook
	}
	books, err := a.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	res := make([]domain.Book, 0, len(books))
	for _, b := range books {
		if !b.IsActive && !f.IncludeInactive {
			continue
		}
		if f.Category != "" && b.Category != f.Category {
			continue
		}
		if f.AvailableOnly && b.AvailableCopies <= 0 {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(b.Title), search) &&
			!strings.Contains(strings.ToLower(b.Author), search) {
			continue
		}
		res = append(res, b)
	}
	return res, nil
}

// SetTotalCopies resizes a book's holdings. Copies on loan stay on loan, so
// the new total cannot drop below them.
func (a *App) SetTotalCopies(ctx context.Context, bookID string, total int) (domain.Book, error) {
	var book domain.Book
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		book, err = a.ledger.resize(ctx, tx, bookID, total)
		return err
	})
	if err != nil {
		return domain.Book{}, err
	}
	a.logger.Info("book resized", "book_id", book.ID, "total", book.TotalCopies, "available", book.AvailableCopies)
	return book, nil
}

// BookUpdate holds the catalog fields to change. Nil fields keep their value.
// Copy counts change only through SetTotalCopies.
type BookUpdate struct {
	Title         *string
	Author        *string
	ISBN          *string
	Category      *domain.Category
	PublishedYear *int
	Publisher     *string
	Language      *string
}

// UpdateBook edits a book's descriptive fields.
func (a *App) UpdateBook(ctx context.Context, bookID string, u BookUpdate) (domain.Book, error) {
	book, err := a.GetBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	if u.Title != nil {
		book.Title = strings.TrimSpace(*u.Title)
	}
	if u.Author != nil {
		book.Author = strings.TrimSpace(*u.Author)
	}
	if u.Category != nil {
		book.Category = *u.Category
	}
	if u.PublishedYear != nil {
		book.PublishedYear = *u.PublishedYear
	}
	if u.Publisher != nil {
		book.Publisher = strings.TrimSpace(*u.Publisher)
	}
	if u.Language != nil {
		book.Language = strings.TrimSpace(*u.Language)
		if book.Language == "" {
			book.Language = "English"
		}
	}
	if u.ISBN != nil {
		isbn := strings.TrimSpace(*u.ISBN)
		if isbn != book.ISBN {
			if _, exists, err := a.store.GetBookByISBN(ctx, isbn); err != nil {
				return domain.Book{}, fmt.Errorf("check isbn: %w", err)
			} else if exists {
				return domain.Book{}, ErrISBNExists
			}
		}
		book.ISBN = isbn
	}
	if book.Title == "" || book.Author == "" || book.ISBN == "" || !book.Category.Valid() {
		return domain.Book{}, ErrInvalidBook
	}
	book.UpdatedAt = a.now()
	if err := a.store.SaveBook(ctx, book); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Book{}, ErrISBNExists
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	a.logger.Info("book updated", "book_id", book.ID)
	// Counts may have moved since the read above.
	return a.GetBook(ctx, bookID)
}

// DeactivateBook soft-deletes a book. Open loans of it can still be returned.
func (a *App) DeactivateBook(ctx context.Context, bookID string) error {
	book, err := a.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if !book.IsActive {
		return nil
	}
	book.IsActive = false
	book.UpdatedAt = a.now()
	if err := a.store.SaveBook(ctx, book); err != nil {
		return fmt.Errorf("save book: %w", err)
	}
	a.logger.Info("book deactivated", "book_id", bookID)
	return nil
}

// RegisterUser adds a member. Emails are unique case-insensitively.
func (a *App) RegisterUser(ctx context.Context, name, email string, role domain.UserRole) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" {
		return domain.User{}, ErrInvalidUser
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, ErrInvalidUser
	}
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return domain.User{}, ErrInvalidRole
	}
	if exists, err := a.store.HasUserEmail(ctx, email); err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	} else if exists {
		return domain.User{}, ErrEmailExists
	}
	now := a.now()
	user := domain.User{
		ID:            util.NewID(),
		Name:          name,
		Email:         email,
		Role:          role,
		IsActive:      true,
		BorrowedBooks: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.User{}, ErrEmailExists
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	a.logger.Info("user registered", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// GetUser retrieves a user by ID, active or not.
func (a *App) GetUser(ctx context.Context, id string) (domain.User, error) {
	user, ok, err := a.store.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

func (a *App) ListUsers(ctx context.Context) ([]domain.User, error) {
	return a.store.ListUsers(ctx)
}

// UserUpdate holds the member fields to change. Nil fields keep their value.
type UserUpdate struct {
	Name  *string
	Email *string
	Role  *domain.UserRole
}

// UpdateUser edits a member's profile. The active-loan index is untouched.
func (a *App) UpdateUser(ctx context.Context, userID string, u UserUpdate) (domain.User, error) {
	user, err := a.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if u.Name != nil {
		user.Name = strings.TrimSpace(*u.Name)
		if user.Name == "" {
			return domain.User{}, ErrInvalidUser
		}
	}
	if u.Role != nil {
		if *u.Role != domain.RoleUser && *u.Role != domain.RoleAdmin {
			return domain.User{}, ErrInvalidRole
		}
		user.Role = *u.Role
	}
	if u.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*u.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			return domain.User{}, ErrInvalidUser
		}
		if email != user.Email {
			if exists, err := a.store.HasUserEmail(ctx, email); err != nil {
				return domain.User{}, fmt.Errorf("check email: %w", err)
			} else if exists {
				return domain.User{}, ErrEmailExists
			}
		}
		user.Email = email
	}
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.User{}, ErrEmailExists
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	a.logger.Info("user updated", "user_id", user.ID, "role", user.Role)
	return a.GetUser(ctx, userID)
}

// DeactivateUser soft-deletes a user. Their open loans stay open.
func (a *App) DeactivateUser(ctx context.Context, userID string) error {
	user, err := a.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsActive {
		return nil
	}
	user.IsActive = false
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	a.logger.Info("user deactivated", "user_id", userID)
	return nil
}
