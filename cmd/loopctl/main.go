package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/web3-frozen/yield-loops/internal/app"
	"github.com/web3-frozen/yield-loops/internal/cache"
	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/config"
	"github.com/web3-frozen/yield-loops/internal/ranking"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	rootCmd := &cobra.Command{
		Use:           "loopctl",
		Short:         "Inspect and refresh lending yield loops",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(searchCmd(cfg, logger), refreshCmd(cfg, logger), chainsCmd(), purgeCmd(cfg, logger))

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func searchCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var (
		chainKeys []string
		protocols []string
		exposures []string
		liquidity float64
		depeg     float64
		expiry    int
		span      string
		sortOrder string
		fromDB    bool
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Rank loops and print them as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			if force {
				ctx = cache.WithForce(ctx)
			}
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			// Flags map onto the HTTP query parameters so both share parsing.
			q := url.Values{}
			q["chain"] = chainKeys
			q["protocol"] = protocols
			q["exposure"] = exposures
			if cmd.Flags().Changed("liquidity") {
				q.Set("liquidity", strconv.FormatFloat(liquidity, 'f', -1, 64))
			}
			if cmd.Flags().Changed("depeg") {
				q.Set("depeg", strconv.FormatFloat(depeg, 'f', -1, 64))
			}
			q.Set("expiry", strconv.Itoa(expiry))
			q.Set("span", span)
			q.Set("sort", sortOrder)
			f := ranking.ParseQuery(q, a.Defaults)

			search := a.Service.Search
			if fromDB {
				search = a.Service.FromStore
			}
			loops, err := search(ctx, f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(loops)
		},
	}
	cmd.Flags().StringSliceVar(&chainKeys, "chain", nil, "Chains to search (default: all supported)")
	cmd.Flags().StringSliceVar(&protocols, "protocol", nil, "Protocols to search (aave, compound, morpho)")
	cmd.Flags().StringSliceVar(&exposures, "exposure", nil, "Correlation buckets (btc, eth, usd)")
	cmd.Flags().Float64Var(&liquidity, "liquidity", 0, "Minimum liquidity in USD (default from DEFAULT_MIN_LIQUIDITY)")
	cmd.Flags().Float64Var(&depeg, "depeg", 0, "Depeg tolerance (default from DEFAULT_DEPEG)")
	cmd.Flags().IntVar(&expiry, "expiry", 0, "Minimum days until PT/LP maturity")
	cmd.Flags().StringVar(&span, "span", "week", "Yield horizon: day, week, month, year")
	cmd.Flags().StringVar(&sortOrder, "sort", "yield", "Sort by yield or ltv")
	cmd.Flags().BoolVar(&fromDB, "db", false, "Read stored loops instead of querying protocols")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass caches and refetch")
	return cmd
}

func refreshCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh pass into the database",
		RunE: func(_ *cobra.Command, _ []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx := context.Background()
			if force {
				ctx = cache.WithForce(ctx)
			}
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.Engine.RunOnce(ctx)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(status)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Bypass caches and refetch")
	return cmd
}

func chainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "Print the chain registry",
		RunE: func(_ *cobra.Command, _ []string) error {
			for _, c := range chains.All() {
				fmt.Printf("%-10s %8d  %s\n", c.Key, c.ID, c.Name)
			}
			return nil
		},
	}
}

func purgeCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-purge [namespace...]",
		Short: "Delete persisted cache entries (all namespaces when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := cache.NewRedisStore(cfg.RedisURL, cfg.RedisPassword, app.RedisPrefix)
			if err != nil {
				return err
			}
			defer rs.Close()

			patterns := []string{"*"}
			if len(args) > 0 {
				patterns = patterns[:0]
				for _, ns := range args {
					patterns = append(patterns, ns+":*")
				}
			}
			for _, p := range patterns {
				n, err := rs.Purge(cmd.Context(), p)
				if err != nil {
					return fmt.Errorf("purge %s: %w", p, err)
				}
				logger.Info("purged cache entries", "pattern", p, "removed", n)
			}
			return nil
		},
	}
}
