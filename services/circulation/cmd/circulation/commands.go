package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/developer-anubhav/Library-Management-Service/pkg/domain"
	"github.com/developer-anubhav/Library-Management-Service/services/circulation/internal/app"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// categoryUsage lists the catalog categories for flag help.
func categoryUsage() string {
	names := make([]string, 0, len(domain.Categories()))
	for _, c := range domain.Categories() {
		names = append(names, string(c))
	}
	return "category, one of: " + strings.Join(names, ", ")
}

func newMigrateCmd(rt *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store already migrated it.
			rt.logger.Info("schema up to date")
			return nil
		},
	}
}

func newBookCmd(rt *env) *cobra.Command {
	book := &cobra.Command{Use: "book", Short: "Manage the catalog"}

	var nb app.NewBook
	var category string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nb.Category = domain.Category(category)
			b, err := rt.app.AddBook(cmd.Context(), nb)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	add.Flags().StringVar(&nb.Title, "title", "", "title")
	add.Flags().StringVar(&nb.Author, "author", "", "author")
	add.Flags().StringVar(&nb.ISBN, "isbn", "", "ISBN")
	add.Flags().StringVar(&category, "category", string(domain.CategoryOther), categoryUsage())
	add.Flags().IntVar(&nb.PublishedYear, "year", 0, "publication year")
	add.Flags().StringVar(&nb.Publisher, "publisher", "", "publisher")
	add.Flags().StringVar(&nb.Language, "language", "", "language (default English)")
	add.Flags().IntVar(&nb.TotalCopies, "copies", 1, "number of copies")

	var filter app.BookFilter
	var listCategory string
	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Category = domain.Category(listCategory)
			books, err := rt.app.ListBooks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), books)
		},
	}
	list.Flags().StringVar(&listCategory, "category", "", "only this "+categoryUsage())
	list.Flags().StringVar(&filter.Search, "search", "", "match title or author")
	list.Flags().BoolVar(&filter.AvailableOnly, "available", false, "only books with a free copy")
	list.Flags().BoolVar(&filter.IncludeInactive, "all", false, "include deactivated books")

	var total int
	resize := &cobra.Command{
		Use:   "resize BOOK_ID",
		Short: "Change the number of copies a book has",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := rt.app.SetTotalCopies(cmd.Context(), args[0], total)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	resize.Flags().IntVar(&total, "copies", 0, "new total number of copies")
	_ = resize.MarkFlagRequired("copies")

	var (
		upd                                            app.BookUpdate
		title, author, isbn, upCategory, pub, language string
		year                                           int
	)
	update := &cobra.Command{
		Use:   "update BOOK_ID",
		Short: "Edit a book's catalog fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("title") {
				upd.Title = &title
			}
			if flags.Changed("author") {
				upd.Author = &author
			}
			if flags.Changed("isbn") {
				upd.ISBN = &isbn
			}
			if flags.Changed("category") {
				c := domain.Category(upCategory)
				upd.Category = &c
			}
			if flags.Changed("year") {
				upd.PublishedYear = &year
			}
			if flags.Changed("publisher") {
				upd.Publisher = &pub
			}
			if flags.Changed("language") {
				upd.Language = &language
			}
			b, err := rt.app.UpdateBook(cmd.Context(), args[0], upd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	update.Flags().StringVar(&title, "title", "", "title")
	update.Flags().StringVar(&author, "author", "", "author")
	update.Flags().StringVar(&isbn, "isbn", "", "ISBN")
	update.Flags().StringVar(&upCategory, "category", "", categoryUsage())
	update.Flags().IntVar(&year, "year", 0, "publication year")
	update.Flags().StringVar(&pub, "publisher", "", "publisher")
	update.Flags().StringVar(&language, "language", "", "language")

	deactivate := &cobra.Command{
		Use:   "deactivate BOOK_ID",
		Short: "Withdraw a book from lending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.app.DeactivateBook(cmd.Context(), args[0])
		},
	}

	book.AddCommand(add, list, update, resize, deactivate)
	return book
}

func newUserCmd(rt *env) *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage members"}

	var name, email, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := rt.app.RegisterUser(cmd.Context(), name, email, domain.UserRole(role))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&email, "email", "", "email address")
	add.Flags().StringVar(&role, "role", string(domain.RoleUser), "user or admin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, err := rt.app.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), users)
		},
	}

	var upd app.UserUpdate
	var newName, newEmail, newRole string
	update := &cobra.Command{
		Use:   "update USER_ID",
		Short: "Edit a member's name, email or role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("name") {
				upd.Name = &newName
			}
			if flags.Changed("email") {
				upd.Email = &newEmail
			}
			if flags.Changed("role") {
				r := domain.UserRole(newRole)
				upd.Role = &r
			}
			u, err := rt.app.UpdateUser(cmd.Context(), args[0], upd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	update.Flags().StringVar(&newName, "name", "", "full name")
	update.Flags().StringVar(&newEmail, "email", "", "email address")
	update.Flags().StringVar(&newRole, "role", "", "user or admin")

	deactivate := &cobra.Command{
		Use:   "deactivate USER_ID",
		Short: "Suspend a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.app.DeactivateUser(cmd.Context(), args[0])
		},
	}

	user.AddCommand(add, list, update, deactivate)
	return user
}

func newBorrowCmd(rt *env) *cobra.Command {
	var due, notes string
	cmd := &cobra.Command{
		Use:   "borrow BOOK_ID USER_ID",
		Short: "Lend one copy of a book to a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := app.BorrowRequest{BookID: args[0], UserID: args[1], Notes: notes}
			if due != "" {
				t, err := parseDueDate(due)
				if err != nil {
					return err
				}
				req.DueDate = &t
			}
			loan, err := rt.app.Borrow(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), loan)
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339 or YYYY-MM-DD); default is the loan period from now")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes, up to 500 characters")
	return cmd
}

func parseDueDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", app.ErrInvalidDueDate, s)
	}
	return t, nil
}

func newReturnCmd(rt *env) *cobra.Command {
	return &cobra.Command{
		Use:   "return LOAN_ID",
		Short: "Return a borrowed copy and settle its fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loan, err := rt.app.ReturnBook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), loan)
		},
	}
}

func newLoanCmd(rt *env) *cobra.Command {
	return &cobra.Command{
		Use:   "loan LOAN_ID",
		Short: "Show one loan with its fine as of now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loan, err := rt.app.GetLoan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), loan)
		},
	}
}

func newLoansCmd(rt *env) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "loans [USER_ID]",
		Short: "List a member's loans, or all loans",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				loans []domain.Loan
				err   error
			)
			if len(args) == 1 {
				loans, err = rt.app.ListUserLoans(cmd.Context(), args[0], domain.LoanStatus(status))
			} else {
				loans, err = rt.app.ListLoans(cmd.Context(), domain.LoanStatus(status))
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), loans)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "borrowed, overdue or returned")
	return cmd
}

func newOverdueCmd(rt *env) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "Assess and list every open loan past its due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loans, err := rt.scanner.ListOverdue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), loans)
		},
	}
}

func newReindexCmd(rt *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex USER_ID",
		Short: "Rebuild a member's active-loan list from the loan records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := rt.app.RebuildUserIndex(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}
}

type sweepOutput struct {
	Acquired  bool     `json:"acquired"`
	Scanned   int      `json:"scanned"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Skipped   int      `json:"skipped"`
	Failures  []string `json:"failures,omitempty"`
}

func newSweepCmd(rt *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one overdue sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, acquired, err := rt.scanner.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := sweepOutput{
				Acquired:  acquired,
				Scanned:   report.Scanned,
				Updated:   report.Updated,
				Unchanged: report.Unchanged,
				Skipped:   report.Skipped,
			}
			for _, f := range report.Failures {
				out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", f.LoanID, f.Err))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSweeperCmd(rt *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweeper",
		Short: "Sweep overdue loans on the configured interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt.logger.Info("overdue sweeper started", "interval", rt.circ.SweepInterval, "concurrency", rt.circ.SweepConcurrency)
			err := rt.scanner.Run(cmd.Context(), rt.circ.SweepInterval)
			if errors.Is(err, cmd.Context().Err()) {
				rt.logger.Info("overdue sweeper stopped")
				return nil
			}
			return err
		},
	}
}
