package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/developer-anubhav/Library-Management-Service/internal/sweeplock"
	"github.com/developer-anubhav/Library-Management-Service/internal/util"
	"github.com/developer-anubhav/Library-Management-Service/pkg/events"
	"github.com/developer-anubhav/Library-Management-Service/pkg/store"
	"github.com/developer-anubhav/Library-Management-Service/services/circulation/internal/app"
	"github.com/developer-anubhav/Library-Management-Service/services/circulation/internal/config"
)

// env is everything a command needs, built once in PersistentPreRunE.
type env struct {
	cfg     config.FileConfig
	circ    config.Circulation
	logger  *slog.Logger
	store   *store.GormStore
	app     *app.App
	scanner *app.Scanner
	closers []func() error
}

func (r *env) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", "err", err)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := &env{}
	root := newRootCmd(rt)
	err := root.ExecuteContext(ctx)
	if rt.logger != nil {
		rt.close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(rt *env) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "circulation",
		Short:         "Library borrowing, returns and overdue fines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.init(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	root.AddCommand(
		newMigrateCmd(rt),
		newBookCmd(rt),
		newUserCmd(rt),
		newBorrowCmd(rt),
		newReturnCmd(rt),
		newLoanCmd(rt),
		newLoansCmd(rt),
		newOverdueCmd(rt),
		newReindexCmd(rt),
		newSweepCmd(rt),
		newSweeperCmd(rt),
	)
	return root
}

func (r *env) init(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	circ, err := config.ParseCirculation(cfg)
	if err != nil {
		return err
	}
	r.cfg, r.circ = cfg, circ
	r.logger = util.InitLogger(cfg.LogLevel, os.Stderr)

	if cfg.DatabaseURL != "" {
		r.store, err = store.NewGormStore(cfg.DatabaseURL)
	} else {
		r.store, err = store.NewSQLiteStore(cfg.SQLitePath)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	r.closers = append(r.closers, r.store.Close)

	publisher, err := r.publisher()
	if err != nil {
		return err
	}
	var lease *sweeplock.Lease
	if cfg.RedisAddr != "" {
		lease, err = sweeplock.New(cfg.RedisAddr, cfg.RedisPassword, "", circ.SweepLeaseTTL)
		if err != nil {
			return fmt.Errorf("init sweep lease: %w", err)
		}
		r.closers = append(r.closers, lease.Close)
	}

	policy := app.FinePolicy{LoanPeriod: circ.LoanPeriod, DailyRate: circ.DailyFine}
	r.app, err = app.New(app.Config{
		Store:     r.store,
		Policy:    policy,
		Publisher: publisher,
		Logger:    r.logger,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	r.scanner, err = app.NewScanner(app.ScannerConfig{
		Store:       r.store,
		Policy:      policy,
		Publisher:   publisher,
		Concurrency: circ.SweepConcurrency,
		Lease:       lease,
		Logger:      r.logger,
	})
	if err != nil {
		return fmt.Errorf("init scanner: %w", err)
	}
	return nil
}

// publisher prefers RabbitMQ, then a Redis stream, then drops events.
func (r *env) publisher() (events.Publisher, error) {
	switch {
	case r.cfg.AMQPURL != "":
		pub, err := events.NewAMQPPublisher(r.cfg.AMQPURL, r.cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("init amqp publisher: %w", err)
		}
		r.closers = append(r.closers, pub.Close)
		return pub, nil
	case r.cfg.RedisAddr != "":
		pub, err := events.NewRedisStreamPublisher(events.RedisStreamConfig{
			Addr:     r.cfg.RedisAddr,
			Password: r.cfg.RedisPassword,
			Stream:   r.cfg.EventStream,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis publisher: %w", err)
		}
		r.closers = append(r.closers, pub.Close)
		return pub, nil
	default:
		return events.Nop{}, nil
	}
}

func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	switch app.KindOf(err) {
	case app.KindNotFound:
		return 3
	case app.KindConflict:
		return 4
	case app.KindInvalid:
		return 2
	case app.KindInvariantViolation:
		return 5
	default:
		return 1
	}
}
