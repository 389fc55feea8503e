package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
)

const migrateLockID int64 = 51731729

var openStatuses = []string{string(domain.LoanBorrowed), string(domain.LoanOverdue)}

// GormStore implements Store using GORM. Postgres is the production backend;
// SQLite serves single-node deployments and tests.
type GormStore struct {
	gormTx
}

// gormTx implements Tx on either the root handle or an open transaction.
type gormTx struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{gormTx{db: db}}, nil
}

// NewSQLiteStore opens (or creates) the SQLite database at path.
func NewSQLiteStore(path string) (*GormStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	// Immediate transactions take the write lock up front so two borrowers
	// never both read before either writes.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{gormTx{db: db}}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormConfig() *gorm.Config {
	gormLog := gormlogger.New(
		log.New(os.Stderr, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{Logger: gormLog, TranslateError: true}
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&UserModel{}, &BookModel{}, &LoanModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// At most one open loan per (user, book), enforced by the database.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_loan_open_user_book
		ON loan_models (user_id, book_id)
		WHERE status IN ('borrowed', 'overdue')
	`).Error; err != nil {
		return fmt.Errorf("create open loan index: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithinTx runs fn inside a database transaction.
func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormTx{db: tx})
	})
}

// SaveBook stores or updates a book's catalog fields. Copy counts are only
// written on insert; afterwards they move through the conditional updates.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "isbn", "category", "published_year", "publisher", "language", "is_active", "updated_at"}),
	}).Create(&model).Error
	return translate(err)
}

// GetBookByISBN looks up a book by ISBN.
func (s *GormStore) GetBookByISBN(ctx context.Context, isbn string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "isbn = ?", isbn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// SaveUser registers or updates a user's profile fields.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "role", "is_active", "updated_at"}),
	}).Create(&model).Error
	return translate(err)
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		ids, err := s.loanIndex(ctx, m)
		if err != nil {
			return nil, err
		}
		res = append(res, userFromModel(m, ids))
	}
	return res, nil
}

// ListLoans returns loans newest first, optionally filtered by status.
func (s *GormStore) ListLoans(ctx context.Context, status domain.LoanStatus) ([]domain.Loan, error) {
	query := s.db.WithContext(ctx).Order("borrow_date DESC")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var models []LoanModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return loansFromModels(models), nil
}

// GetBook retrieves a book.
func (t gormTx) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := t.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// DecrementAvailable runs
// UPDATE ... SET available_copies = available_copies - 1 WHERE available_copies > 0.
func (t gormTx) DecrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error) {
	return t.adjustBook(ctx, bookID,
		map[string]any{"available_copies": gorm.Expr("available_copies - 1")},
		"is_active = ? AND available_copies > 0", true)
}

// IncrementAvailable runs
// UPDATE ... SET available_copies = available_copies + 1 WHERE available_copies < total_copies.
func (t gormTx) IncrementAvailable(ctx context.Context, bookID string) (domain.Book, bool, error) {
	return t.adjustBook(ctx, bookID,
		map[string]any{"available_copies": gorm.Expr("available_copies + 1")},
		"available_copies < total_copies")
}

// ResizeBook changes total_copies, keeping the number of copies on loan fixed.
func (t gormTx) ResizeBook(ctx context.Context, bookID string, total int) (domain.Book, bool, error) {
	if total < 1 {
		book, ok, err := t.GetBook(ctx, bookID)
		if err != nil || !ok {
			return book, false, orNotFound(ok, err)
		}
		return book, false, nil
	}
	return t.adjustBook(ctx, bookID,
		map[string]any{
			"total_copies":     total,
			"available_copies": gorm.Expr("available_copies + ? - total_copies", total),
		},
		"total_copies - available_copies <= ?", total)
}

func (t gormTx) adjustBook(ctx context.Context, bookID string, updates map[string]any, guard string, args ...any) (domain.Book, bool, error) {
	updates["updated_at"] = time.Now().UTC()
	res := t.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ?", bookID).
		Where(guard, args...).
		Updates(updates)
	if res.Error != nil {
		return domain.Book{}, false, res.Error
	}
	book, ok, err := t.GetBook(ctx, bookID)
	if err != nil || !ok {
		return domain.Book{}, false, orNotFound(ok, err)
	}
	return book, res.RowsAffected == 1, nil
}

// GetUser returns a user by ID.
func (t gormTx) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := t.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	ids, err := t.loanIndex(ctx, model)
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model, ids), true, nil
}

// AddUserLoan appends loanID to the user's active-loan index.
func (t gormTx) AddUserLoan(ctx context.Context, userID, loanID string) error {
	return t.editUserLoans(ctx, userID, func(ids []string) []string {
		for _, id := range ids {
			if id == loanID {
				return ids
			}
		}
		return append(ids, loanID)
	})
}

// RemoveUserLoan drops loanID from the user's active-loan index.
func (t gormTx) RemoveUserLoan(ctx context.Context, userID, loanID string) error {
	return t.editUserLoans(ctx, userID, func(ids []string) []string {
		filtered := ids[:0]
		for _, id := range ids {
			if id != loanID {
				filtered = append(filtered, id)
			}
		}
		return filtered
	})
}

// SetUserLoans replaces the user's active-loan index.
func (t gormTx) SetUserLoans(ctx context.Context, userID string, loanIDs []string) error {
	return t.editUserLoans(ctx, userID, func([]string) []string {
		return append([]string(nil), loanIDs...)
	})
}

func (t gormTx) editUserLoans(ctx context.Context, userID string, edit func([]string) []string) error {
	var model UserModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&model, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	ids, err := t.loanIndex(ctx, model)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(nonNil(edit(ids)))
	if err != nil {
		return err
	}
	return t.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{"borrowed_books": datatypes.JSON(raw), "updated_at": time.Now().UTC()}).Error
}

// FindOpenLoan returns the borrowed/overdue loan for the pair, if any.
func (t gormTx) FindOpenLoan(ctx context.Context, userID, bookID string) (domain.Loan, bool, error) {
	var model LoanModel
	err := t.db.WithContext(ctx).
		Where("user_id = ? AND book_id = ? AND status IN ?", userID, bookID, openStatuses).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

// CreateLoan inserts a loan record.
func (t gormTx) CreateLoan(ctx context.Context, loan domain.Loan) error {
	model := loanToModel(loan)
	return translate(t.db.WithContext(ctx).Create(&model).Error)
}

// GetLoan returns a loan by ID.
func (t gormTx) GetLoan(ctx context.Context, id string) (domain.Loan, bool, error) {
	var model LoanModel
	if err := t.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

// UpdateLoan is an optimistic write guarded by version and open status.
func (t gormTx) UpdateLoan(ctx context.Context, loan domain.Loan) (bool, error) {
	res := t.db.WithContext(ctx).Model(&LoanModel{}).
		Where("id = ? AND version = ? AND status IN ?", loan.ID, loan.Version, openStatuses).
		Updates(map[string]any{
			"status":      string(loan.Status),
			"fine":        loan.Fine,
			"return_date": loan.ReturnDate,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListOverdueLoans returns open loans whose due date is before now, oldest due first.
func (t gormTx) ListOverdueLoans(ctx context.Context, now time.Time) ([]domain.Loan, error) {
	var models []LoanModel
	if err := t.db.WithContext(ctx).
		Where("status IN ? AND due_date < ?", openStatuses, now.UTC()).
		Order("due_date ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return loansFromModels(models), nil
}

// ListLoansByUser returns the user's loans, newest first.
func (t gormTx) ListLoansByUser(ctx context.Context, userID string) ([]domain.Loan, error) {
	var models []LoanModel
	if err := t.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("borrow_date DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return loansFromModels(models), nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func orNotFound(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func decodeLoanIDs(raw []byte) ([]string, error) {
	var ids []string
	if len(raw) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// loanIndex decodes the user's borrowed_books column. An unreadable column is
// rebuilt from the user's open loan records, oldest first.
func (t gormTx) loanIndex(ctx context.Context, m UserModel) ([]string, error) {
	ids, err := decodeLoanIDs(m.BorrowedBooks)
	if err == nil {
		return ids, nil
	}
	slog.Warn("user loan index unreadable, rebuilding from loans", "user_id", m.ID, "err", err)
	var models []LoanModel
	if err := t.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", m.ID, openStatuses).
		Order("borrow_date ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("rebuild loan index for user %s: %w", m.ID, err)
	}
	ids = make([]string, 0, len(models))
	for _, lm := range models {
		ids = append(ids, lm.ID)
	}
	return ids, nil
}

func userToModel(u domain.User) UserModel {
	raw, _ := json.Marshal(nonNil(u.BorrowedBooks))
	return UserModel{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		Role:          string(u.Role),
		IsActive:      u.IsActive,
		BorrowedBooks: raw,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func userFromModel(m UserModel, loanIDs []string) domain.User {
	role := domain.UserRole(m.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return domain.User{
		ID:            m.ID,
		Name:          m.Name,
		Email:         m.Email,
		Role:          role,
		IsActive:      m.IsActive,
		BorrowedBooks: nonNil(loanIDs),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		ISBN:            b.ISBN,
		Category:        string(b.Category),
		PublishedYear:   b.PublishedYear,
		Publisher:       b.Publisher,
		Language:        b.Language,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		IsActive:        b.IsActive,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		Author:          m.Author,
		ISBN:            m.ISBN,
		Category:        domain.Category(m.Category),
		PublishedYear:   m.PublishedYear,
		Publisher:       m.Publisher,
		Language:        m.Language,
		TotalCopies:     m.TotalCopies,
		AvailableCopies: m.AvailableCopies,
		IsActive:        m.IsActive,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	version := l.Version
	if version == 0 {
		version = 1
	}
	return LoanModel{
		ID:         l.ID,
		UserID:     l.UserID,
		BookID:     l.BookID,
		BorrowDate: l.BorrowDate,
		DueDate:    l.DueDate,
		ReturnDate: l.ReturnDate,
		Status:     string(l.Status),
		Fine:       l.Fine,
		Notes:      l.Notes,
		Version:    version,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		ID:         m.ID,
		UserID:     m.UserID,
		BookID:     m.BookID,
		BorrowDate: m.BorrowDate,
		DueDate:    m.DueDate,
		ReturnDate: m.ReturnDate,
		Status:     domain.LoanStatus(m.Status),
		Fine:       m.Fine,
		Notes:      m.Notes,
		Version:    m.Version,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func loansFromModels(models []LoanModel) []domain.Loan {
	res := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		res = append(res, loanFromModel(m))
	}
	return res
}
