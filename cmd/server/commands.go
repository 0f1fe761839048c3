package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kimhsiao/homestock/backend/cmd/server/handlers"
	"github.com/kimhsiao/homestock/backend/internal/auth"
	"github.com/kimhsiao/homestock/backend/internal/changelog"
	"github.com/kimhsiao/homestock/backend/internal/config"
	"github.com/kimhsiao/homestock/backend/internal/inventory"
	"github.com/kimhsiao/homestock/backend/internal/logging"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/plan"
	"github.com/kimhsiao/homestock/backend/internal/telemetry"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "homestock-server",
		Short:         "Household inventory sync server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newPruneCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadServer()
			logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
			log := logging.Get()

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			if err := inventory.AutoMigrate(db); err != nil {
				return err
			}

			telemetry.Register(prometheus.DefaultRegisterer)

			policy := plan.Policy(plan.Unlimited{})
			if cfg.FreeTierInventoryLimit > 0 || cfg.FreeTierGroceryLimit > 0 {
				policy = plan.FreeTier{
					InventoryLimit: cfg.FreeTierInventoryLimit,
					GroceryLimit:   cfg.FreeTierGroceryLimit,
				}
			}

			router := handlers.NewRouter(handlers.Deps{
				Store:    inventory.NewStore(db, changelog.NewWriter(), policy),
				Reader:   changelog.NewReader(db, cfg.FeedPageLimit),
				Issuer:   auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiry),
				Log:      log,
				Gatherer: prometheus.DefaultGatherer,
			})

			server := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info("homestock server starting", map[string]interface{}{"port": cfg.Port, "version": Version})
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		householdID string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a household",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadServer()
			if householdID == "" {
				householdID = uuid.New()
			}
			token, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiry).IssueToken(userID, models.UUID(householdID))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "household: %s\ntoken: %s\n", householdID, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "cli", "user id embedded in the token")
	cmd.Flags().StringVar(&householdID, "household", "", "household id (generated when empty)")
	return cmd
}

func newPruneCommand() *cobra.Command {
	var (
		householdID string
		olderThan   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old change log entries of a household",
		Long: "Deletes change log entries older than --older-than. Clients whose cursor " +
			"predates the pruned range must bootstrap from a snapshot on their next sync.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := uuid.Validate(householdID); err != nil {
				return fmt.Errorf("--household: %w", err)
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			cfg := config.LoadServer()
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}

			before := time.Now().Add(-olderThan).UnixMicro()
			deleted, err := changelog.NewReader(db, 0).Prune(cmd.Context(), models.UUID(householdID), before)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", deleted)
			return nil
		},
	}
	cmd.Flags().StringVar(&householdID, "household", "", "household id")
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "prune entries older than this")
	return cmd
}

func openDatabase(cfg *config.ServerConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
