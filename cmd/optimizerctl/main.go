// optimizerctl runs maintenance tasks against the optimizer database:
// schema migrations, one-off evaluation runs, stale run recovery and
// operator key hashing.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"symbol-optimizer/config"
	"symbol-optimizer/internal/audit"
	"symbol-optimizer/internal/auth"
	"symbol-optimizer/internal/backtest"
	"symbol-optimizer/internal/cache"
	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/optimizer"
	"symbol-optimizer/internal/scheduler"
	"symbol-optimizer/internal/shadow"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: optimizerctl [-config path] <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  migrate                         apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  rollback                        roll back the last migration")
	fmt.Fprintln(os.Stderr, "  run -account A [-date D] [-force]  evaluate one account now")
	fmt.Fprintln(os.Stderr, "  recover                         mark stale in-progress runs failed")
	fmt.Fprintln(os.Stderr, "  hash-key                        read an operator key from stdin and print its bcrypt hash")
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "hash-key" {
		if err := hashKey(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     "stderr",
		JSONFormat: false,
		Component:  "optimizerctl",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(ctx, database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: cfg.DatabaseConfig.MaxConns,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	switch cmd {
	case "migrate":
		err = db.RunMigrations()
	case "rollback":
		err = db.RollbackMigration()
	case "run":
		err = runAccount(ctx, cfg, database.NewRepository(db), args, logger)
	case "recover":
		err = recoverStale(ctx, cfg, database.NewRepository(db), logger)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", "command", cmd, "error", err)
		db.Close()
		os.Exit(1)
	}
}

func newScheduler(cfg *config.Config, repo *database.Repository, logger *logging.Logger) (*scheduler.Scheduler, error) {
	loc, err := time.LoadLocation(cfg.SchedulerConfig.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	trail := audit.NewTrail(repo, nil, logger)
	engine := optimizer.NewEngine(repo, trail, logger)
	backtests := backtest.NewHTTPClient(backtest.HTTPConfig{
		BaseURL:       cfg.BacktestConfig.BaseURL,
		Timeout:       cfg.BacktestConfig.Timeout,
		MaxRetries:    cfg.BacktestConfig.MaxRetries,
		RatePerSecond: cfg.BacktestConfig.RatePerSecond,
		Burst:         cfg.BacktestConfig.Burst,
	}, logger)

	// Only closed trades are read, so the simulator never opens a position here
	closed := shadow.NewSimulator(repo, cache.NewMemorySlots(), nil, shadow.DefaultConfig(), logger)
	return scheduler.New(repo, backtests, engine, closed, trail, scheduler.Config{
		Cron:                  cfg.SchedulerConfig.Cron,
		Location:              loc,
		MaxConcurrentAccounts: cfg.SchedulerConfig.MaxConcurrentAccounts,
		SymbolTimeout:         cfg.BacktestConfig.Timeout,
		StaleRunAge:           cfg.SchedulerConfig.StaleRunAge,
	}, logger), nil
}

func runAccount(ctx context.Context, cfg *config.Config, repo *database.Repository, args []string, logger *logging.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	account := fs.String("account", "", "account to evaluate")
	date := fs.String("date", "", "run date YYYY-MM-DD (default today in the scheduler timezone)")
	force := fs.Bool("force", false, "re-run a date that already completed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" {
		return fmt.Errorf("-account is required")
	}

	sched, err := newScheduler(cfg, repo, logger)
	if err != nil {
		return err
	}

	runDate := sched.RunDate(time.Now())
	if *date != "" {
		d, err := time.Parse("2006-01-02", *date)
		if err != nil {
			return fmt.Errorf("-date must be YYYY-MM-DD: %w", err)
		}
		runDate = d
	}

	run, err := sched.RunAccount(ctx, *account, runDate, *force)
	if run != nil {
		fmt.Printf("run %s  account=%s  date=%s  status=%s\n", run.ID, run.AccountID, runDate.Format("2006-01-02"), run.Status)
		fmt.Printf("  evaluated=%d  failed=%d  disabled=%d  enabled=%d\n",
			run.SymbolsEvaluated, run.SymbolsFailed, run.SymbolsDisabled, run.SymbolsEnabled)
	}
	return err
}

func recoverStale(ctx context.Context, cfg *config.Config, repo *database.Repository, logger *logging.Logger) error {
	sched, err := newScheduler(cfg, repo, logger)
	if err != nil {
		return err
	}
	n, err := sched.RecoverStale(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("marked %d stale run(s) failed\n", n)
	return nil
}

func hashKey() error {
	fmt.Fprint(os.Stderr, "Operator key: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read key: %w", err)
	}
	hash, err := auth.HashKey(strings.TrimSpace(line), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
