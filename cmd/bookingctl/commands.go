package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ridebook/internal/auth"
	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/repository"
	"github.com/example/ridebook/internal/booking/reservation"
	"github.com/example/ridebook/internal/bootstrap"
	"github.com/example/ridebook/internal/config"
	"github.com/example/ridebook/internal/drivers"
	"github.com/example/ridebook/internal/janitor"
	"github.com/example/ridebook/internal/kvstore"
	"github.com/example/ridebook/pkg/observability"
)

// env is what the commands operate on. redis is nil without REDIS_ADDR.
type env struct {
	cfg    config.Config
	store  kvstore.Store
	redis  *redis.Client
	logger *zap.Logger
	close  func() error
}

type deps struct {
	loadConfig func() (config.Config, error)
	open       func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*env, error)
}

func defaultDeps() deps {
	return deps{loadConfig: config.Load, open: openEnv}
}

func openEnv(ctx context.Context, cfg config.Config, logger *zap.Logger) (*env, error) {
	res, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: res.Store, redis: res.Redis, logger: logger, close: res.Close}, nil
}

func newRootCmd(d deps) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "bookingctl",
		Short:         "Operate the ride booking store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	withEnv := func(run func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			if verbose {
				logger = observability.SetupLogger("bookingctl", cfg.Debug)
			}
			e, err := d.open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer e.close() //nolint:errcheck
			return run(cmd, e, args)
		}
	}

	root.AddCommand(
		newListCmd(withEnv),
		newCancelCmd(withEnv),
		newSweepCmd(withEnv),
		newSeedDriversCmd(withEnv),
		newTokenCmd(d.loadConfig),
	)
	return root
}

type runWithEnv func(run func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error

func newListCmd(withEnv runWithEnv) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's bookings, newest first",
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			bookings, err := repository.New(e.store).ListByUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			type row struct {
				ID string `json:"bookingId"`
				domain.Booking
			}
			out := make([]row, 0, len(bookings))
			for _, b := range bookings {
				out = append(out, row{ID: b.ID, Booking: b})
			}
			return printJSON(cmd, out)
		}),
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func newCancelCmd(withEnv runWithEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel BOOKING_ID",
		Short: "Cancel a booking and release its slot",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			engine := reservation.NewEngine(e.store, nil, e.logger, reservation.Config{RetryDelay: e.cfg.ClaimRetry})
			b, err := engine.Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", domain.Message(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s (%s at %s)\n", b.ID, b.DriverID, b.TripDateTime)
			return nil
		}),
	}
}

func newSweepCmd(withEnv runWithEnv) *cobra.Command {
	var pendingWait time.Duration
	cmd := &cobra.Command{
		Use:   "sweep-locks",
		Short: "Release stale slot locks",
		Long: `Releases Bound locks whose booking no longer exists. With --pending-wait,
sweeps repeatedly, waiting between passes, and deletes Pending locks seen by
every pass.`,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			passes := 1
			grace := pendingWait
			if pendingWait > 0 {
				passes = janitor.MinPendingSightings
				grace = pendingWait * time.Duration(passes-1)
			}
			sweeper := janitor.NewSweeper(e.store, nil, grace, e.logger)
			var report janitor.Report
			for i := 0; i < passes; i++ {
				if i > 0 {
					select {
					case <-time.After(pendingWait):
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					}
				}
				pass, err := sweeper.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				report.Scanned = pass.Scanned
				report.ReleasedBound += pass.ReleasedBound
				report.ClearedPending += pass.ClearedPending
				report.Skipped += pass.Skipped
			}
			return printJSON(cmd, map[string]int{
				"scanned":         report.Scanned,
				"released_bound":  report.ReleasedBound,
				"cleared_pending": report.ClearedPending,
				"skipped":         report.Skipped,
			})
		}),
	}
	cmd.Flags().DurationVar(&pendingWait, "pending-wait", 0, "wait between passes that clear pending locks")
	return cmd
}

func newSeedDriversCmd(withEnv runWithEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-drivers",
		Short: "Write the configured driver roster to the Redis registry",
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			if e.redis == nil {
				return errors.New("seed-drivers requires REDIS_ADDR")
			}
			registry := drivers.NewRedisRegistry(e.redis, "")
			for _, d := range e.cfg.Drivers {
				if err := registry.Upsert(cmd.Context(), d); err != nil {
					return err
				}
			}
			listed, err := registry.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, listed)
		}),
	}
}

func newTokenCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			token, err := auth.IssueToken(cfg.JWTSecret, userID, email, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
