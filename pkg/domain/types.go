package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryFiction    Category = "Fiction"
	CategoryNonFiction Category = "Non-Fiction"
	CategoryScience    Category = "Science"
	CategoryHistory    Category = "History"
	CategoryTechnology Category = "Technology"
	CategoryFantasy    Category = "Fantasy"
	CategoryMystery    Category = "Mystery"
	CategoryRomance    Category = "Romance"
	CategoryBiography  Category = "Biography"
	CategorySelfHelp   Category = "Self-Help"
	CategoryChildren   Category = "Children"
	CategoryOther      Category = "Other"
)

var categories = []Category{
	CategoryFiction, CategoryNonFiction, CategoryScience, CategoryHistory,
	CategoryTechnology, CategoryFantasy, CategoryMystery, CategoryRomance,
	CategoryBiography, CategorySelfHelp, CategoryChildren, CategoryOther,
}

// Categories returns the fixed set of catalog categories.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Valid reports whether c belongs to the fixed category set.
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type LoanStatus string

const (
	LoanBorrowed LoanStatus = "borrowed"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
)

// Open reports whether the status counts against a copy (borrowed or overdue).
func (s LoanStatus) Open() bool {
	return s == LoanBorrowed || s == LoanOverdue
}

// Valid reports whether s is a known loan status.
func (s LoanStatus) Valid() bool {
	return s == LoanBorrowed || s == LoanOverdue || s == LoanReturned
}

type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	Category        Category  `json:"category"`
	PublishedYear   int       `json:"publishedYear,omitempty"`
	Publisher       string    `json:"publisher,omitempty"`
	Language        string    `json:"language,omitempty"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// OnLoan is the number of copies currently held by open loans.
func (b Book) OnLoan() int {
	return b.TotalCopies - b.AvailableCopies
}

type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Role          UserRole  `json:"role"`
	IsActive      bool      `json:"isActive"`
	BorrowedBooks []string  `json:"borrowedBooks"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Loan struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	BookID     string          `json:"bookId"`
	BorrowDate time.Time       `json:"borrowDate"`
	DueDate    time.Time       `json:"dueDate"`
	ReturnDate *time.Time      `json:"returnDate"`
	Status     LoanStatus      `json:"status"`
	Fine       decimal.Decimal `json:"fine"`
	Notes      string          `json:"notes,omitempty"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// IsOpen reports whether the loan still holds a copy.
func (l Loan) IsOpen() bool {
	return l.Status.Open()
}
