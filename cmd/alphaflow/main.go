package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daverage/alphaflow/internal/candidate"
	"github.com/daverage/alphaflow/internal/config"
	"github.com/daverage/alphaflow/internal/labeling"
	"github.com/daverage/alphaflow/internal/ledger"
	"github.com/daverage/alphaflow/internal/logging"
	"github.com/daverage/alphaflow/internal/pipeline"
	"github.com/daverage/alphaflow/internal/platform"
	"github.com/daverage/alphaflow/internal/runner"
	"github.com/daverage/alphaflow/internal/scheduler"
)

var (
	configPath string
	inputPath  string
)

var rootCmd = &cobra.Command{
	Use:   "alphaflow",
	Short: "alphaflow - automated candidate evaluation and classification",
	Long:  `alphaflow submits candidate expressions to the compute platform, polls them to completion and labels each one through the classification pipeline.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("alphaflow v0.1.0")
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate and classify a candidate file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlow()
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "alphaflow.toml", "path to config file")
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "", "path to candidates JSON file (required)")
	_ = runCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func runFlow() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	candidates, err := loadCandidates(inputPath)
	if err != nil {
		return err
	}

	db, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer db.Close()

	// Resume: drop candidates a previous run already drove to a terminal
	// outcome.
	seen, err := db.SeenFingerprints()
	if err != nil {
		return err
	}
	fresh := candidates[:0]
	for _, cand := range candidates {
		if !seen[cand.Fingerprint] {
			fresh = append(fresh, cand)
		}
	}
	if skipped := len(candidates) - len(fresh); skipped > 0 {
		logger.Info("resuming: skipping already-evaluated candidates", zap.Int("skipped", skipped))
	}
	if len(fresh) == 0 {
		fmt.Println("nothing to do: all candidates already evaluated")
		return nil
	}

	session := platform.NewSession(
		platform.Credentials{Email: cfg.Email, Password: cfg.Password},
		platform.NewAuthFunc(cfg.BaseURL),
		logger,
	)
	policy := platform.DefaultRetryPolicy()
	policy.MaxAuthRetries = cfg.MaxAuthRetries
	client := platform.NewClient(cfg.BaseURL, session, policy, logger)

	runID := xid.New().String()
	if err := db.BeginRun(runID, len(fresh)); err != nil {
		return err
	}
	rec := db.Recorder(runID)

	sched := scheduler.New(client, rec, scheduler.Options{
		Concurrency:  cfg.Concurrency,
		BatchSize:    cfg.BatchSize,
		JobTimeout:   cfg.JobTimeout(),
		PollInterval: cfg.PollInterval(),
	}, logger)

	pipe := pipeline.New(client, pipeline.NewCachingSeriesSource(client), pipeline.NewUniverse(), pipeline.Options{
		SelfCorrLimit: cfg.SelfCorrLimit,
		ProdCorrLimit: cfg.ProdCorrLimit,
		StageBudget:   cfg.StageBudget(),
	}, logger)

	run := runner.New(sched, pipe, labeling.NewPersister(client, logger), rec, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("run started", zap.String("run", runID), zap.Int("candidates", len(fresh)))
	results, err := run.Run(ctx, fresh)
	if err != nil {
		return fmt.Errorf("run %s aborted: %w", runID, err)
	}

	counts := map[labeling.Label]int{}
	for _, r := range results {
		counts[r.Decision.Label]++
	}
	fmt.Printf("run %s: %d candidates\n", runID, len(results))
	for _, label := range []labeling.Label{labeling.LabelGreen, labeling.LabelYellow, labeling.LabelRed, labeling.LabelPurple, labeling.LabelError} {
		if counts[label] > 0 {
			fmt.Printf("  %-6s %d\n", label, counts[label])
		}
	}
	return nil
}

// candidateFile is the generator's output format: expressions paired with
// their simulation settings.
type candidateFile []struct {
	Expression string             `json:"expression"`
	Settings   candidate.Settings `json:"settings"`
}

func loadCandidates(path string) ([]candidate.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read candidates file: %w", err)
	}
	var entries candidateFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse candidates file: %w", err)
	}

	candidates := make([]candidate.Candidate, 0, len(entries))
	for i, e := range entries {
		cand, err := candidate.New(e.Expression, e.Settings)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
