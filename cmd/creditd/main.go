/*
main.go - creditd entry point

PURPOSE:
  Initializes and runs the store-credit ledger daemon. Handles
  configuration loading, storage backend selection, dependency wiring,
  and graceful shutdown.

COMMANDS:
  creditd serve              Run the HTTP API plus the sweep scheduler
  creditd sweep              Run one expiration sweep and exit
  creditd issue AMOUNT       Issue a credit from the command line

GLOBAL FLAGS:
  --config   Path to TOML config file (default: creditd.toml)

GRACEFUL SHUTDOWN (serve):
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep scheduler
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with a file database
  creditd serve --config=./creditd.toml

  # One-shot sweep against the configured store
  creditd sweep

  # Issue a $25 credit valid for 90 days
  creditd issue 25.00 --currency=USD --expires-in=2160h

SEE ALSO:
  - config/config.go: Configuration format
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/store/postgres"
	"github.com/warp/credit-engine/store/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "creditd",
	Short: "Store-credit ledger daemon",
	Long: `creditd issues, redeems and expires store credits backed by an
append-only transaction ledger. All mutations run as single units of
work with optimistic locking; balances are exact decimals.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiration sweep scheduler",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiration sweep and exit",
	RunE:  runSweep,
}

var issueCmd = &cobra.Command{
	Use:   "issue AMOUNT",
	Short: "Issue a credit from the command line",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssue,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "creditd.toml", "path to TOML config file")

	issueCmd.Flags().String("currency", "USD", "ISO currency code")
	issueCmd.Flags().String("owner", "", "owner/customer reference")
	issueCmd.Flags().String("note", "", "free-form note")
	issueCmd.Flags().Duration("expires-in", 0, "validity window (0 = never expires)")

	rootCmd.AddCommand(serveCmd, sweepCmd, issueCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore builds the configured storage backend. The caller owns Close.
func openStore(cfg *config.Config) (ledger.TxStore, func() error, error) {
	switch cfg.Database.Driver {
	case "postgres":
		st, err := postgres.New(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		st, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	engine := ledger.NewEngine(store)
	handler := api.NewHandler(engine)
	router := api.NewRouter(handler)

	interval, err := cfg.SweepInterval()
	if err != nil {
		return err
	}
	scheduler := api.NewSweepScheduler(handler.Sweeper)
	scheduler.CheckInterval = interval
	scheduler.Enabled = cfg.Sweeper.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://%s", cfg.ListenAddr())
		log.Printf("API available at http://%s/api", cfg.ListenAddr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	engine := ledger.NewEngine(store)
	sweeper := ledger.NewSweeper(engine)

	count, err := sweeper.Sweep(cmd.Context(), engine.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Expired %d credit(s)\n", count)
	return nil
}

func runIssue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	currency, _ := cmd.Flags().GetString("currency")
	owner, _ := cmd.Flags().GetString("owner")
	note, _ := cmd.Flags().GetString("note")
	expiresIn, _ := cmd.Flags().GetDuration("expires-in")

	amount, err := ledger.ParseMoney(args[0], currency)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	engine := ledger.NewEngine(store)

	req := ledger.IssueRequest{
		Amount:  amount,
		OwnerID: owner,
		Note:    note,
	}
	if expiresIn > 0 {
		exp := engine.Now().Add(expiresIn)
		req.ExpiresAt = &exp
	}

	credit, err := engine.Issue(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Printf("Issued %s %s\n", credit.Amount.Value.String(), credit.Currency)
	fmt.Printf("Code: %s\n", credit.Code)
	fmt.Printf("ID:   %s\n", credit.ID)
	if credit.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", credit.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
