package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/homestock/backend/internal/config"
	"github.com/kimhsiao/homestock/backend/internal/logging"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/session"
	syncpkg "github.com/kimhsiao/homestock/backend/internal/sync"
	"github.com/kimhsiao/homestock/backend/internal/sync/dispatcher"
	"github.com/kimhsiao/homestock/backend/internal/telemetry"
)

// app carries the session shared by every subcommand.
type app struct {
	configPath string
	session    *session.Session
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "homestock",
		Short:         "Offline-first household inventory client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(a.syncCommand())
	cmd.AddCommand(a.drainCommand())
	cmd.AddCommand(a.pendingCommand())
	cmd.AddCommand(a.runCommand())
	cmd.AddCommand(a.productCommand())
	cmd.AddCommand(a.locationCommand())
	cmd.AddCommand(a.inventoryCommand())
	cmd.AddCommand(a.groceryCommand())
	cmd.AddCommand(a.quickAddCommand())
	return cmd
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.LoadClient(a.configPath)
	if err != nil {
		return err
	}
	logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.LogLevel))

	s, err := session.Open(cfg)
	if err != nil {
		return err
	}
	a.session = s
	s.Dispatcher().SetSignalHandler(func(sig dispatcher.Signal) {
		switch sig.Kind {
		case dispatcher.SignalLimitReached:
			fmt.Fprintf(cmd.ErrOrStderr(), "plan limit reached, dropped %s %s: %s\n", sig.Mutation.Kind, sig.Mutation.EntityType, sig.Message)
		default:
			fmt.Fprintf(cmd.ErrOrStderr(), "server rejected %s %s: %s\n", sig.Mutation.Kind, sig.Mutation.EntityType, sig.Message)
		}
	})
	return nil
}

func (a *app) close() error {
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	return err
}

// flush tries to send what was just queued. Failing to reach the server is
// not an error: the write stays queued for the next sync.
func (a *app) flush(cmd *cobra.Command) error {
	result, err := a.session.Dispatcher().Drain(cmd.Context())
	if err != nil {
		return err
	}
	if result.Halted {
		fmt.Fprintf(cmd.OutOrStdout(), "queued (%d pending): %v\n", result.Remaining, result.LastError)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "synced")
	return nil
}

func optionalID(s string) *models.UUID {
	return models.UUIDPtr(models.UUID(s))
}

// =====================================================
// Sync
// =====================================================

func (a *app) syncCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued writes, then bring the local cache up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			result, err := a.session.Refresh(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "replayed %d, dropped %d, pending %d\n", result.Drain.Replayed, result.Drain.Dropped, result.Drain.Remaining)
			if result.Sync == nil {
				fmt.Fprintln(out, "not reconciled: writes still pending")
				return nil
			}
			if full && result.Sync.Mode != syncpkg.SyncModeFull {
				if result.Sync, err = a.session.Reconciler().FullSync(ctx); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "%s sync: %d upserted, %d deleted, cursor %d\n",
				result.Sync.Mode, result.Sync.Upserted, result.Sync.Deleted, result.Sync.Cursor)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "replace the cache with a server snapshot")
	return cmd
}

func (a *app) drainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Send queued writes to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.session.Dispatcher().Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, dropped %d, pending %d\n", result.Replayed, result.Dropped, result.Remaining)
			if result.Halted {
				fmt.Fprintf(cmd.OutOrStdout(), "halted: %v\n", result.LastError)
			}
			return nil
		},
	}
}

func (a *app) pendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued writes in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, err := a.session.Queue().Pending(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tKIND\tENTITY\tREQUEST\tRETRIES\tQUEUED\tLAST ERROR")
			for _, m := range pending {
				fmt.Fprintf(w, "%d\t%s\t%s %s\t%s %s\t%d\t%s\t%s\n",
					m.Seq, m.Kind, m.EntityType, m.EntityID, m.Method, m.Endpoint,
					m.RetryCount, m.CreatedAtTime().Format(time.RFC3339), m.LastError)
			}
			return w.Flush()
		},
	}
}

func (a *app) runCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay running and send writes as they are queued; SIGUSR1 signals connectivity restored",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				srv, ln, err := serveMetrics(metricsAddr)
				if err != nil {
					return err
				}
				logging.Info("serving metrics", map[string]interface{}{"addr": ln.Addr().String()})
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			events := make(chan dispatcher.Event, 1)
			usr1 := make(chan os.Signal, 1)
			signal.Notify(usr1, syscall.SIGUSR1)
			defer signal.Stop(usr1)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-usr1:
						select {
						case events <- dispatcher.EventConnectivityRestored:
						default:
						}
					}
				}
			}()

			result, err := a.session.Start(ctx, events)
			if err != nil {
				logging.Warn("initial refresh failed", map[string]interface{}{"error": err.Error()})
			} else if result.Sync != nil {
				logging.Info("initial refresh done", map[string]interface{}{"mode": string(result.Sync.Mode), "cursor": result.Sync.Cursor})
			}

			<-ctx.Done()
			a.session.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for the Prometheus /metrics endpoint (disabled when empty)")
	return cmd
}

// serveMetrics registers the client collectors and serves them on addr
// until the returned server is shut down.
func serveMetrics(addr string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	telemetry.Register(prometheus.DefaultRegisterer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server stopped", err)
		}
	}()
	return srv, ln, nil
}

// =====================================================
// Products and locations
// =====================================================

func (a *app) productCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "product", Short: "Manage products"}

	var in session.ProductInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.session.CreateProduct(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "product %s %q\n", p.ID, p.Name)
			return a.flush(cmd)
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "product name")
	add.Flags().StringVar(&in.Barcode, "barcode", "", "barcode")
	add.Flags().StringVar(&in.Category, "category", "", "category")
	add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List cached products",
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := a.session.Cache().ListProducts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBARCODE\tCATEGORY")
			for _, p := range products {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Barcode, p.Category)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (a *app) locationCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "location", Short: "Manage locations"}

	var in session.LocationInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.session.CreateLocation(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "location %s %q\n", l.ID, l.Name)
			return a.flush(cmd)
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "location name")
	add.MarkFlagRequired("name")

	cmd.AddCommand(add)
	return cmd
}

// =====================================================
// Inventory
// =====================================================

func (a *app) inventoryCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "inventory", Short: "Manage inventory items"}
	cmd.AddCommand(a.inventoryListCommand(), a.inventoryAddCommand(), a.inventorySetCommand(), a.inventoryRemoveCommand())
	return cmd
}

func (a *app) inventoryListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.session.Cache().ListInventoryItems(cmd.Context())
			if err != nil {
				return err
			}
			return printInventory(cmd.OutOrStdout(), items)
		},
	}
}

func printInventory(out io.Writer, items []*models.InventoryItem) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRODUCT\tLOCATION\tQUANTITY\tEXPIRES")
	for _, it := range items {
		product, location, expires := string(it.ProductID), "-", "-"
		if it.Product != nil {
			product = it.Product.Name
		}
		if it.Location != nil {
			location = it.Location.Name
		}
		if it.ExpiresAt != nil {
			expires = it.ExpiresAt.Format("2006-01-02")
		}
		qty := fmt.Sprintf("%g", it.Quantity)
		if it.Unit != "" {
			qty += " " + it.Unit
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.ID, product, location, qty, expires)
	}
	return w.Flush()
}

func (a *app) inventoryAddCommand() *cobra.Command {
	var (
		in       session.InventoryInput
		product  string
		location string
		expires  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an inventory item",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ProductID = models.UUID(product)
			in.LocationID = optionalID(location)
			if expires != "" {
				t, err := time.Parse("2006-01-02", expires)
				if err != nil {
					return fmt.Errorf("--expires: %w", err)
				}
				in.ExpiresAt = &t
			}
			item, err := a.session.CreateInventoryItem(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inventory item %s\n", item.ID)
			return a.flush(cmd)
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "product id")
	cmd.Flags().StringVar(&location, "location", "", "location id")
	cmd.Flags().Float64Var(&in.Quantity, "qty", 1, "quantity")
	cmd.Flags().StringVar(&in.Unit, "unit", "", "unit")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("product")
	return cmd
}

func (a *app) inventorySetCommand() *cobra.Command {
	var (
		qty      float64
		location string
	)
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Change an inventory item's quantity or location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := models.UUID(args[0])
			item, err := a.session.Cache().GetInventoryItem(ctx, id)
			if err != nil {
				return err
			}
			in := session.InventoryInput{
				ProductID:  item.ProductID,
				LocationID: item.LocationID,
				Quantity:   item.Quantity,
				Unit:       item.Unit,
				ExpiresAt:  item.ExpiresAt,
			}
			if cmd.Flags().Changed("qty") {
				in.Quantity = qty
			}
			if cmd.Flags().Changed("location") {
				in.LocationID = optionalID(location)
			}
			if _, err := a.session.UpdateInventoryItem(ctx, id, in); err != nil {
				return err
			}
			return a.flush(cmd)
		},
	}
	cmd.Flags().Float64Var(&qty, "qty", 0, "new quantity")
	cmd.Flags().StringVar(&location, "location", "", "new location id (empty to clear)")
	return cmd
}

func (a *app) inventoryRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove an inventory item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.session.DeleteInventoryItem(cmd.Context(), models.UUID(args[0])); err != nil {
				return err
			}
			return a.flush(cmd)
		},
	}
}

func (a *app) quickAddCommand() *cobra.Command {
	var (
		in       session.QuickAddInput
		product  string
		location string
	)
	cmd := &cobra.Command{
		Use:   "quick-add",
		Short: "Add stock of a product, bumping existing stock at the location",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ProductID = models.UUID(product)
			in.LocationID = optionalID(location)
			item, err := a.session.QuickAdd(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inventory item %s now %g\n", item.ID, item.Quantity)
			return a.flush(cmd)
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "product id")
	cmd.Flags().StringVar(&location, "location", "", "location id")
	cmd.Flags().Float64Var(&in.Quantity, "qty", 1, "quantity to add")
	cmd.MarkFlagRequired("product")
	return cmd
}

// =====================================================
// Grocery
// =====================================================

func (a *app) groceryCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "grocery", Short: "Manage the shopping list"}

	var (
		in      session.GroceryInput
		product string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an item to the shopping list",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ProductID = optionalID(product)
			g, err := a.session.CreateGroceryItem(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "grocery item %s %q\n", g.ID, g.Name)
			return a.flush(cmd)
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "item name")
	add.Flags().StringVar(&product, "product", "", "product id")
	add.Flags().Float64Var(&in.Quantity, "qty", 1, "quantity")
	add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the cached shopping list",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.session.Cache().ListGroceryItems(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tQUANTITY\tCHECKED")
			for _, g := range items {
				fmt.Fprintf(w, "%s\t%s\t%g\t%t\n", g.ID, g.Name, g.Quantity, g.Checked)
			}
			return w.Flush()
		},
	}

	var (
		location string
		qty      float64
	)
	checkout := &cobra.Command{
		Use:   "checkout <id>",
		Short: "Move a grocery item into inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := session.CheckoutInput{LocationID: optionalID(location)}
			if cmd.Flags().Changed("qty") {
				in.Quantity = &qty
			}
			item, err := a.session.CheckoutGroceryItem(cmd.Context(), models.UUID(args[0]), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inventory item %s now %g\n", item.ID, item.Quantity)
			return a.flush(cmd)
		},
	}
	checkout.Flags().StringVar(&location, "location", "", "location id")
	checkout.Flags().Float64Var(&qty, "qty", 0, "quantity to stock")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a grocery item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.session.DeleteGroceryItem(cmd.Context(), models.UUID(args[0])); err != nil {
				return err
			}
			return a.flush(cmd)
		},
	}

	cmd.AddCommand(add, list, checkout, rm)
	return cmd
}
