// Package main is a demo entry point wiring a RateLimiter against a fake
// in-process "provider" job function, exercising escalation and delegation
// without calling a real LLM API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quotagate/quotagate/internal/backend"
	quotaredis "github.com/quotagate/quotagate/internal/backend/redis"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/delegation"
	"github.com/quotagate/quotagate/internal/model"
	"github.com/quotagate/quotagate/internal/ratelimiter"
	"github.com/quotagate/quotagate/internal/telemetry"
)

var (
	configPath string
	jobCount   int

	rootCmd = &cobra.Command{
		Use:   "quotagate-demo",
		Short: "Demo wiring of the quotagate rate limiter against a fake provider",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to a quotagate config file")
	runCmd.Flags().IntVar(&jobCount, "jobs", 20, "number of fake jobs to submit")
	rootCmd.AddCommand(runCmd, statsCmd, configCheckCmd)
}

func buildRateLimiter() (*config.Config, *ratelimiter.RateLimiter, *telemetry.Metrics, error) {
	cfg := config.LoadOrDefault(configPath)
	logger := telemetry.NewLogger(cfg.Telemetry.LogFormat, cfg.Telemetry.LogLevel)
	metrics := telemetry.NewMetrics(nil)

	rlCfg := cfg.ToRateLimiterConfig()
	rlCfg.OnLog = telemetry.SlogSink(logger)
	rlCfg.OnAvailableSlotsChange = telemetry.AvailabilitySink(logger, metrics)
	rlCfg.Metrics = metrics
	switch cfg.Backend.Driver {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Backend.Addr})
		rlCfg.Backend = quotaredis.New(client, quotaredis.Config{
			KeyPrefix:           cfg.Backend.KeyPrefix,
			HeartbeatIntervalMs: cfg.Backend.HeartbeatIntervalMs,
			InstanceTimeoutMs:   cfg.Backend.InstanceTimeoutMs,
			ReapIntervalMs:      cfg.Backend.ReapIntervalMs,
			Metrics:             metrics,
		}, logger)
	case "memory":
		rlCfg.Backend = backend.NewLocal(nil)
	}

	rl, err := ratelimiter.New(rlCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, rl, metrics, nil
}

// fakeProvider simulates a model call: it sleeps briefly, reports a random
// token usage, and occasionally asks to delegate so the
// demo exercises escalation.
func fakeProvider(ctx context.Context, args delegation.JobArgs) (model.Usage, delegation.Disposition, bool, error) {
	time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	usage := model.Usage{RequestCount: 1, InputTokens: int64(50 + rand.Intn(200)), OutputTokens: int64(20 + rand.Intn(100))}
	if rand.Float64() < 0.15 {
		return usage, delegation.Rejected, true, nil
	}
	return usage, delegation.Resolved, false, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit fake jobs through the rate limiter and print the outcome of each",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rl, _, err := buildRateLimiter()
		if err != nil {
			return err
		}
		ctx := context.Background()
		if err := rl.Start(ctx); err != nil {
			return fmt.Errorf("starting rate limiter: %w", err)
		}
		defer rl.Stop()

		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Warn("metrics listener failed", "addr", addr, "error", err)
			}
		}()

		var wg sync.WaitGroup
		for i := 0; i < jobCount; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				result, err := rl.QueueJob(ctx, ratelimiter.JobSpec{
					JobID:   fmt.Sprintf("job-%d", n),
					JobType: "default",
					Fn:      fakeProvider,
				})
				if err != nil {
					fmt.Printf("job-%d failed: %v\n", n, err)
					return
				}
				fmt.Printf("job-%d resolved on %s, cost=$%.6f\n", n, result.ModelUsed, result.TotalCostUSD)
			}(i)
		}
		wg.Wait()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a point-in-time capacity snapshot and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rl, _, err := buildRateLimiter()
		if err != nil {
			return err
		}
		stats := rl.GetStats()
		fmt.Printf("instance: %s\n", stats.InstanceID)
		for model, ms := range stats.ModelStats {
			fmt.Printf("  %s: has_capacity=%v\n", model, ms.HasCapacity)
		}
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "config-check",
	Short: "Load and validate the config file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if _, err := ratelimiter.New(cfg.ToRateLimiterConfig()); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Printf("config OK: %d models, %d job types, escalation order %v\n",
			len(cfg.Models), len(cfg.JobTypes), cfg.EscalationOrder)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
