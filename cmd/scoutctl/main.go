// scoutctl is the administrative command-line interface for scoutcore.
//
// This tool provides operator commands for:
// - Credit ledger inspection and adjustment (balance get, deduct, assign-initial)
// - Browser pool administration (stats, status, create-batch, remove-worker, delete-all)
// - Monitoring result inspection (results, stats); the engine itself is
//   not started or stopped from here
//
// Usage:
//   scoutctl balance get --user-id u_123
//   scoutctl pool stats
//   scoutctl pool create-batch --count 5
//   scoutctl monitoring results --endpoint links --limit 20
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/corvidlabs/scoutcore/internal/browser"
	"github.com/corvidlabs/scoutcore/internal/config"
	"github.com/corvidlabs/scoutcore/internal/ledger"
	"github.com/corvidlabs/scoutcore/internal/monitoring"
	"github.com/corvidlabs/scoutcore/internal/pool"
	"github.com/corvidlabs/scoutcore/internal/storage"
)

var (
	// Version is set during build.
	Version = "dev"

	verbose bool

	ldgr     *ledger.Ledger
	poolMgr  *pool.Manager
	monStore *monitoring.Store
	cfg      config.Config
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:           "scoutctl",
		Short:         "scoutctl - administrative CLI for scoutcore",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return setupDependencies(cmd.Context(), cmd)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(balanceCmd(), poolCmd(), monitoringCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupDependencies wires only what a given command subtree needs,
// so a pure monitoring command never has to open a browser backend.
func setupDependencies(ctx context.Context, cmd *cobra.Command) error {
	root := cmd
	for root.Parent() != nil && root.Parent().Parent() != nil {
		root = root.Parent()
	}
	group := root.Name()

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch group {
	case "balance":
		pg, err := storage.OpenPostgres(openCtx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		rdb, err := storage.OpenRedis(openCtx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		ldgr = ledger.New(pg, rdb, log.Logger, ledger.Config{
			InitialFreeCredits: int64(cfg.InitialFreeCredits),
			InitialProCredits:  int64(cfg.InitialProCredits),
			MonthlyProRefill:   int64(cfg.MonthlyProRefill),
		})
	case "pool":
		rdb, err := storage.OpenRedis(openCtx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		backend := browser.NewChromeDPBackend(true, "")
		poolCfg := pool.DefaultConfig()
		poolCfg.MaxWorkers = cfg.MaxWorkers
		poolMgr = pool.New(rdb, backend, log.Logger, poolCfg)
		if err := poolMgr.LoadFromRedis(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to restore pool registry from redis")
		}
	case "monitoring":
		db, err := storage.OpenMonitoringStore(openCtx, cfg.MonitoringDB)
		if err != nil {
			return fmt.Errorf("open monitoring store: %w", err)
		}
		monStore = monitoring.NewStore(db)
	}
	return nil
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Credit ledger operations",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get a user's credit balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			balance, err := ldgr.GetBalance(ctx, userID)
			if err != nil {
				return fmt.Errorf("get balance: %w", err)
			}
			printJSON(balance)
			return nil
		},
	}
	getCmd.Flags().String("user-id", "", "user ID (required)")
	getCmd.MarkFlagRequired("user-id")

	deductCmd := &cobra.Command{
		Use:   "deduct",
		Short: "Manually deduct credits from a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			amount, _ := cmd.Flags().GetInt64("amount")
			reason, _ := cmd.Flags().GetString("reason")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			remaining, err := ldgr.Deduct(ctx, userID, amount, reason, map[string]string{"source": "scoutctl"})
			if err != nil {
				return fmt.Errorf("deduct: %w", err)
			}
			printJSON(map[string]interface{}{"userId": userID, "deducted": amount, "remaining": remaining})
			return nil
		},
	}
	deductCmd.Flags().String("user-id", "", "user ID (required)")
	deductCmd.Flags().Int64("amount", 0, "amount to deduct (required)")
	deductCmd.Flags().String("reason", "manual_admin_deduct", "transaction reason")
	deductCmd.MarkFlagRequired("user-id")
	deductCmd.MarkFlagRequired("amount")

	assignCmd := &cobra.Command{
		Use:   "assign-initial",
		Short: "Assign a new user's initial signup credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := ldgr.AssignInitial(ctx, userID); err != nil {
				return fmt.Errorf("assign initial credits: %w", err)
			}
			fmt.Printf("assigned initial credits to %s\n", userID)
			return nil
		},
	}
	assignCmd.Flags().String("user-id", "", "user ID (required)")
	assignCmd.MarkFlagRequired("user-id")

	cmd.AddCommand(getCmd, deductCmd, assignCmd)
	return cmd
}

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Browser pool administration",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pool capacity and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(poolMgr.GetStats())
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show every worker's detailed status",
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(poolMgr.GetDetailedStatus())
			return nil
		},
	}

	createBatchCmd := &cobra.Command{
		Use:   "create-batch",
		Short: "Create up to N new workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			result, err := poolMgr.CreateBatch(ctx, count)
			if err != nil {
				return fmt.Errorf("create batch: %w", err)
			}
			printJSON(result)
			return nil
		},
	}
	createBatchCmd.Flags().Int("count", 1, "number of workers to create")

	removeCmd := &cobra.Command{
		Use:   "remove-worker",
		Short: "Remove a single worker from the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("worker-id")
			ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
			defer cancel()

			if err := poolMgr.RemoveWorker(ctx, id); err != nil {
				return fmt.Errorf("remove worker: %w", err)
			}
			fmt.Printf("removed worker %s\n", id)
			return nil
		},
	}
	removeCmd.Flags().String("worker-id", "", "worker ID (required)")
	removeCmd.MarkFlagRequired("worker-id")

	deleteAllCmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Tear down every worker in the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := poolMgr.DeleteAll(ctx); err != nil {
				return fmt.Errorf("delete all: %w", err)
			}
			fmt.Println("pool drained")
			return nil
		},
	}

	cmd.AddCommand(statsCmd, statusCmd, createBatchCmd, removeCmd, deleteAllCmd)
	return cmd
}

func monitoringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitoring",
		Short: "Monitoring engine inspection",
		Long:  "Inspect recorded monitoring test results and endpoint stats. Starting/stopping the live engine is done through the running server's HTTP control surface.",
	}

	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Show recent monitoring test results",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			results, err := monStore.Results(ctx, monitoring.ResultsQuery{Endpoint: endpoint, Limit: limit})
			if err != nil {
				return fmt.Errorf("load results: %w", err)
			}
			printJSON(results)
			return nil
		},
	}
	resultsCmd.Flags().String("endpoint", "", "filter by endpoint")
	resultsCmd.Flags().Int("limit", 20, "maximum rows to return")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-endpoint aggregate stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			stats, err := monStore.Stats(ctx)
			if err != nil {
				return fmt.Errorf("load stats: %w", err)
			}
			printJSON(stats)
			return nil
		},
	}

	cmd.AddCommand(resultsCmd, statsCmd)
	return cmd
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
