package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wmtools/regresolve/pkg/cache"
	"github.com/wmtools/regresolve/pkg/logging"
	"github.com/wmtools/regresolve/pkg/match"
	"github.com/wmtools/regresolve/pkg/ratelimit"
	"github.com/wmtools/regresolve/pkg/resolver"
	"github.com/wmtools/regresolve/pkg/search"
	"github.com/wmtools/regresolve/pkg/session"
)

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve all names from the input file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("input", "", "input file, one product name per line (required)")
	flags.String("output", "", "output file for name/code rows (default: stdout)")
	flags.String("delimiter", "\t", "output field delimiter")
	flags.String("base-url", "", "registry API base URL (required)")
	flags.String("init-path", "/api/session/init", "session initialization endpoint path")
	flags.String("search-path", "/api/product/search", "search endpoint path")
	flags.Int("prefix-len", 8, "rune count for the prefix fallback search")
	flags.String("strategy", string(match.StrategyExact), "matching strategy: exact or prefix")
	flags.Int("pool-size", 3, "session pool capacity")
	flags.Duration("min-reuse", 2*time.Second, "minimum interval between uses of one session")
	flags.Int("max-attempts", 5, "resolution passes per query before giving up")
	flags.Duration("base-delay", time.Second, "first retry backoff, doubled per attempt")
	flags.Int("concurrency", 1, "queries resolved in parallel")
	flags.String("redis", "", "Redis address for the resolved-code cache (empty: disabled)")
	flags.Duration("cache-ttl", 24*time.Hour, "resolved-code cache TTL")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-pretty", false, "human-readable log output")

	// Flags > env (REGRESOLVE_*) > config file > defaults.
	v.SetEnvPrefix("REGRESOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetConfigName("regresolve")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "config file ignored: %v\n", err)
		}
	}

	return cmd
}

func runBatch(cmd *cobra.Command, v *viper.Viper) error {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(v.GetString("log-level")),
		Pretty: v.GetBool("log-pretty"),
		Output: os.Stderr,
	})

	inputPath := v.GetString("input")
	if inputPath == "" {
		return fmt.Errorf("--input is required")
	}
	baseURL := v.GetString("base-url")
	if baseURL == "" {
		return fmt.Errorf("--base-url is required")
	}

	queries, err := readQueries(inputPath)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		return fmt.Errorf("input file %s contains no product names", inputPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	governor, err := ratelimit.NewGovernor(ratelimit.DefaultConfig(), logging.NewLogger("governor"))
	if err != nil {
		return err
	}

	provider := session.NewHTTPProvider(baseURL+v.GetString("init-path"), governor, logging.NewLogger("provider"))
	pool, err := session.NewPool(provider, v.GetInt("pool-size"), v.GetDuration("min-reuse"), logging.NewLogger("session"))
	if err != nil {
		return err
	}

	searchCfg := search.DefaultConfig(baseURL)
	searchCfg.SearchPath = v.GetString("search-path")
	searchCfg.PrefixLen = v.GetInt("prefix-len")
	searchCfg.Strategy = match.Strategy(v.GetString("strategy"))
	client, err := search.New(searchCfg, pool, governor, logging.NewLogger("search"))
	if err != nil {
		return err
	}

	sched, err := resolver.NewScheduler(client, resolver.Config{
		MaxAttempts: v.GetInt("max-attempts"),
		BaseDelay:   v.GetDuration("base-delay"),
	}, logging.NewLogger("scheduler"))
	if err != nil {
		return err
	}

	var codeCache resolver.CodeCache
	if addr := v.GetString("redis"); addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("Redis unreachable - running without cache")
		} else {
			codeCache = cache.NewManager(redisClient, v.GetDuration("cache-ttl"))
			defer redisClient.Close()
		}
	}

	orch, err := resolver.NewOrchestrator(sched, codeCache, v.GetInt("concurrency"), logging.NewLogger("resolver"))
	if err != nil {
		return err
	}

	logger.Info().
		Int("queries", len(queries)).
		Str("base_url", baseURL).
		Msg("Starting batch resolution")

	results, err := orch.Run(ctx, queries)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if path := v.GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	return writeResults(out, results, v.GetString("delimiter"))
}

// readQueries reads one product name per line, skipping blanks and
// trimming surrounding whitespace and stray quote characters.
func readQueries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()

	var queries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.Trim(strings.TrimSpace(scanner.Text()), `"“”`)
		if line == "" {
			continue
		}
		queries = append(queries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return queries, nil
}

// writeResults writes one delimited row per result, in order. An empty
// code still produces a row.
func writeResults(w io.Writer, results []search.Result, delimiter string) error {
	bw := bufio.NewWriter(w)
	for _, r := range results {
		if _, err := fmt.Fprintf(bw, "%s%s%s\n", r.QueryName, delimiter, r.Code); err != nil {
			return fmt.Errorf("write result row: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
