package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	Email         string `gorm:"uniqueIndex;not null"`
	Role          string `gorm:"not null"`
	IsActive      bool   `gorm:"not null"`
	BorrowedBooks datatypes.JSON
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

type BookModel struct {
	ID              string `gorm:"primaryKey"`
	Title           string `gorm:"not null"`
	Author          string `gorm:"not null"`
	ISBN            string `gorm:"column:isbn;uniqueIndex;not null"`
	Category        string `gorm:"not null;index"`
	PublishedYear   int
	Publisher       string
	Language        string
	TotalCopies     int       `gorm:"not null;check:total_copies >= 1"`
	AvailableCopies int       `gorm:"not null;check:available_copies >= 0"`
	IsActive        bool      `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type LoanModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index:idx_loan_user_status,priority:1"`
	BookID     string    `gorm:"not null;index:idx_loan_book_status,priority:1"`
	BorrowDate time.Time `gorm:"not null"`
	DueDate    time.Time `gorm:"not null;index"`
	ReturnDate *time.Time
	Status     string          `gorm:"not null;index:idx_loan_user_status,priority:2;index:idx_loan_book_status,priority:2"`
	Fine       decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	Notes      string          `gorm:"size:500"`
	Version    int64           `gorm:"not null;default:1"`
	CreatedAt  time.Time       `gorm:"not null"`
	UpdatedAt  time.Time       `gorm:"not null"`
}
