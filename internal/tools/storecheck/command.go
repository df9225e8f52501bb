package storecheck

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/config"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/service"
	"github.com/adminbridge/secure-session-core/internal/tools/ui"
)

type options struct {
	window time.Duration
	ci     bool
}

// NewCommand wires the operator diagnostic: ping both stores and run
// audit chain verification over a recent window, with an interactive
// terminal view unless --ci asks for plain output.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "storecheck",
		Short: "Verify database, redis and audit chain health",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := run(opts)
			if opts.ci {
				printCIResult(err == nil, details, err)
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.window, "window", 24*time.Hour, "audit verification lookback window")
	cmd.Flags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	return cmd
}

func run(opts *options) ([]string, error) {
	check := func(ctx context.Context) ([]string, error) {
		cfg, err := config.Load(ctx)
		if err != nil {
			return nil, err
		}
		var details []string

		db, err := openDB(cfg)
		if err != nil {
			return details, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return details, err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return details, fmt.Errorf("database ping: %w", err)
		}
		details = append(details, "database ping: ok")

		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return details, fmt.Errorf("redis ping: %w", err)
		}
		details = append(details, "redis ping: ok")

		clk := clock.New()
		chain := service.NewAuditChain(repository.NewAuditRepository(db), clk, cfg.AuditChainID)
		to := clk.Now().UTC()
		report, err := chain.VerifyChain(ctx, to.Add(-opts.window), to)
		if err != nil {
			return details, fmt.Errorf("audit verification: %w", err)
		}
		details = append(details, fmt.Sprintf("audit chain %s: %s (valid=%d invalid=%d)",
			cfg.AuditChainID, report.Status, report.Valid, report.Invalid))
		if report.Status != service.VerificationVerified {
			return details, fmt.Errorf("audit chain reports tampering at sequences %v", report.Broken)
		}
		return details, nil
	}

	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return check(ctx)
	}
	return ui.Run("storecheck", check)
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}
	switch cfg.DBDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DBDSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DBDSN), gormCfg)
	}
}

func printCIResult(ok bool, details []string, err error) {
	status := "PASS"
	if !ok {
		status = "FAIL"
	}
	fmt.Printf("storecheck: %s\n", status)
	for _, d := range details {
		fmt.Printf("  - %s\n", d)
	}
	if err != nil {
		fmt.Printf("  error: %v\n", err)
	}
}
