package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/seceval/internal/codeql"
	"github.com/signalnine/seceval/internal/config"
	"github.com/signalnine/seceval/internal/cwe"
	"github.com/signalnine/seceval/internal/docker"
	"github.com/signalnine/seceval/internal/evaluator"
	"github.com/signalnine/seceval/internal/events"
	"github.com/signalnine/seceval/internal/functional"
	"github.com/signalnine/seceval/internal/metrics"
	"github.com/signalnine/seceval/internal/report"
	"github.com/signalnine/seceval/internal/result"
	"github.com/signalnine/seceval/internal/secrets"
	"github.com/signalnine/seceval/internal/task"
)

var (
	flagInput             string
	flagID                string
	flagCWE               string
	flagImage             string
	flagParallelPhases    bool
	flagSkipSecurity      bool
	flagCleanupAggressive bool
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a file of generation results",
		RunE:  runEvaluate,
	}
	cmd.Flags().StringVarP(&flagInput, "input", "i", "", "JSON file of generation results (required)")
	cmd.Flags().StringVar(&flagID, "id", "", "only evaluate samples whose id matches (exact or prefix*)")
	cmd.Flags().StringVar(&flagCWE, "cwe", "", "only evaluate samples targeting this CWE")
	cmd.Flags().StringVar(&flagImage, "image", "", "override the batch container image")
	cmd.Flags().BoolVar(&flagParallelPhases, "parallel-phases", false, "run the functional and security phases concurrently")
	cmd.Flags().BoolVar(&flagSkipSecurity, "skip-security", false, "skip the CodeQL security phase")
	cmd.Flags().BoolVar(&flagCleanupAggressive, "cleanup-aggressive", false, "prune every seceval-labeled container after the run")
	cmd.MarkFlagRequired("input")
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyEvaluateFlags(cmd, cfg)

	gens, err := task.LoadGenerations(flagInput)
	if err != nil {
		return err
	}
	gens = filterGenerations(gens, flagID, flagCWE)
	if len(gens) == 0 {
		return fmt.Errorf("no generation results match the given filters")
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	runID := result.NewRunID()
	runDir, err := result.CreateRunDir(cfg.Results.Dir, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run directory: %s\n", runDir)

	collector := metrics.New()
	sink := events.Multi(events.NewZapSink(logger.With(zap.String("run_id", runID))), collector)

	env, err := containerEnv(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := docker.NewFromEnv(docker.WithSink(sink), docker.WithRunID(runID))
	if err != nil {
		return err
	}
	defer engine.Close()

	runner := functional.NewRunner(engine, functional.Config{
		Image:        cfg.Image,
		TestTimeout:  cfg.TestTimeout(),
		BatchTimeout: cfg.BatchTimeout(),
		Mode:         cfg.TestMode,
		Env:          env,
		CPULimit:     cfg.CPULimit,
		MemoryLimit:  cfg.MemoryLimitBytes(),
	}, sink)

	analyzer := codeql.New(
		codeql.WithBinary(cfg.CodeQL.Binary),
		codeql.WithTimeout(cfg.CodeQLTimeout()),
		codeql.WithThreads(cfg.CodeQL.Threads),
		codeql.WithSink(sink),
	)

	ev := evaluator.New(runner, analyzer, evaluator.Options{
		RunID:             runID,
		ExtraRequirements: cfg.ExtraRequirements,
		Language:          cfg.CodeQL.Language,
		QuerySuite:        cfg.CodeQL.QuerySuite,
		ParallelPhases:    cfg.ParallelPhases,
		SkipSecurity:      flagSkipSecurity,
		Sink:              sink,
	})
	rep, err := ev.Evaluate(ctx, runDir, gens)

	if werr := collector.WriteTextfile(filepath.Join(runDir, result.MetricsFile)); werr != nil {
		logger.Warn("writing metrics", zap.Error(werr))
	}
	if flagCleanupAggressive {
		cleanupDocker(cmd)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rep.FunctionalErr != nil {
		fmt.Fprintf(out, "WARNING: functional phase failed: %v\n", rep.FunctionalErr)
	}
	if !rep.Summary.SecurityEvaluated && rep.Summary.SecuritySkipReason != "" {
		fmt.Fprintf(out, "WARNING: security phase skipped: %s\n", rep.Summary.SecuritySkipReason)
	}
	fmt.Fprintf(out, "Evaluated %d samples (%d excluded)\n", rep.Summary.Total, rep.Summary.Excluded)
	fmt.Fprintln(out, "\n--- Results ---")
	return report.Generate(runDir, "table", out)
}

func applyEvaluateFlags(cmd *cobra.Command, cfg *config.Config) {
	if flagImage != "" {
		cfg.Image = flagImage
	}
	if cmd.Flags().Changed("parallel-phases") {
		cfg.ParallelPhases = flagParallelPhases
	}
}

// containerEnv merges configured env with pass-through credentials.
func containerEnv(cfg *config.Config, logger *zap.Logger) (map[string]string, error) {
	env := make(map[string]string, len(cfg.Env)+len(cfg.PassthroughEnv))
	for k, v := range cfg.Env {
		env[k] = v
	}
	if len(cfg.PassthroughEnv) == 0 {
		return env, nil
	}
	resolver, err := secrets.NewResolver(cfg.Secrets.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}
	found, missing := resolver.Passthrough(cfg.PassthroughEnv)
	for k, v := range found {
		env[k] = v
	}
	if len(missing) > 0 {
		logger.Warn("pass-through variables not set", zap.Strings("names", missing))
	}
	return env, nil
}

func filterGenerations(gens []task.GenerationResult, id, target string) []task.GenerationResult {
	if id == "" && target == "" {
		return gens
	}
	var filtered []task.GenerationResult
	for _, g := range gens {
		if id != "" && !matchID(g.ID, id) {
			continue
		}
		if target != "" && !cwe.NewSet(g.Metadata.TargetCWEs).Contains(target) {
			continue
		}
		filtered = append(filtered, g)
	}
	return filtered
}

func matchID(id, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(id, strings.TrimSuffix(pattern, "*"))
	}
	return id == pattern
}

func cleanupDocker(cmd *cobra.Command) {
	// Best-effort; running containers are torn down by the engine itself.
	fmt.Fprintln(cmd.OutOrStdout(), "Cleaning up Docker artifacts...")
	c := exec.Command("docker", "container", "prune", "-f", "--filter", "label="+docker.LabelKey+"=true")
	c.Run()
}
