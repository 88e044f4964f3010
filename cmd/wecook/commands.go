package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wecook/internal/auth"
	"wecook/internal/config"
	"wecook/internal/database"
	"wecook/internal/executor"
	"wecook/internal/metrics"
	"wecook/internal/planner"
	"wecook/internal/runs"
)

var (
	planUser        string
	planFollow      bool
	planSubmittedAt int64
	planMeals  []string
	planRaw    planner.RawRequest

	statusBatch string
	statusToken string
	statusJobs  bool

	tokenUser string
	tokenTTL  time.Duration
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Submit a meal plan and follow its progress",
	RunE:  runPlan,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of a submitted batch",
	RunE:  runStatus,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API access token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewFromEnv()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		tokens := auth.NewTokens(cfg.JWTSecret, cfg.BatchTokenTTL)
		token, err := tokens.IssueUserToken(tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var metricsCleanupCmd = &cobra.Command{
	Use:   "metrics-cleanup",
	Short: "Delete LLM usage metrics older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewFromEnv()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := database.NewDB(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		cleanupMetrics(cmd.Context(), metrics.NewStore(db.SQL), cfg.MetricsRetentionDays)
		return nil
	},
}

func init() {
	f := planCmd.Flags()
	f.StringVar(&planUser, "user", "cli", "user the plan is submitted for")
	f.BoolVar(&planFollow, "follow", true, "follow progress until every job has finished")
	f.Int64Var(&planSubmittedAt, "submitted-at", 0, "submission time in Unix ms; repeat a failed submission with the value it printed")
	f.IntVar(&planRaw.Days, "days", 0, "number of days to plan (3, 5, 7, 14 or 28)")
	f.StringVar(&planRaw.Diet, "diet", "", "diet, e.g. vegetarian")
	f.StringVar(&planRaw.Allergies, "allergies", "", "ingredients to avoid")
	f.StringVar(&planRaw.CookingTime, "cooking-time", "", "cooking time bucket (under-15, 15-30, 30-60, 60-plus)")
	f.StringVar(&planRaw.SkillLevel, "skill", "", "skill level (beginner, intermediate, advanced)")
	f.IntVar(&planRaw.Servings, "servings", 0, "servings per meal")
	f.StringVar(&planRaw.Cuisine, "cuisine", "", "preferred cuisine")
	f.StringVar(&planRaw.Spice, "spice", "", "spice level")
	f.StringVar(&planRaw.Budget, "budget", "", "budget")
	f.StringSliceVar(&planMeals, "meals", nil, "meals to plan (breakfast, lunch, dinner, snack)")
	f.StringVar(&planRaw.WeekendCooking, "weekend", "", "weekend cooking policy (same, more, less)")
	f.StringVar(&planRaw.Leftovers, "leftovers", "", "leftover policy (none, some, lots)")
	f.StringVar(&planRaw.Notes, "notes", "", "free-form notes for the recipe generator")

	statusCmd.Flags().StringVar(&statusBatch, "batch", "", "batch ID")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "batch access token")
	statusCmd.Flags().BoolVar(&statusJobs, "jobs", false, "list every job")
	_ = statusCmd.MarkFlagRequired("batch")
	_ = statusCmd.MarkFlagRequired("token")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user ID")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	st, err := newStack(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	raw := planRaw
	if len(planMeals) > 0 {
		raw.Meals = make(map[string]bool, len(planMeals))
		for _, m := range planMeals {
			raw.Meals[strings.TrimSpace(m)] = true
		}
	}

	submittedAt := time.Now()
	if planSubmittedAt > 0 {
		submittedAt = time.UnixMilli(planSubmittedAt)
	}
	sub, err := st.planner.SubmitAt(ctx, planUser, raw, submittedAt)
	var de *planner.DispatchError
	if errors.As(err, &de) {
		fmt.Fprintf(os.Stderr, "dispatch failed; retry with --submitted-at %d to reuse the job keys\n", de.SubmittedAt.UnixMilli())
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batch: %s\ntoken: %s\njobs:  %d\n", sub.Handle.BatchID, sub.Handle.AccessToken, sub.Handle.JobCount)
	if !planFollow {
		return nil
	}
	return followBatch(ctx, st.aggregator, sub.Handle)
}

func followBatch(ctx context.Context, agg *runs.Aggregator, handle executor.BatchHandle) error {
	watch, err := agg.Watch(ctx, handle)
	if err != nil {
		return err
	}
	defer watch.Close()

	for snap := range watch.Updates() {
		fmt.Fprintln(os.Stderr, progressLine(snap))
		if snap.Done {
			break
		}
	}
	return ctx.Err()
}

func progressLine(s runs.Snapshot) string {
	line := fmt.Sprintf("[%3d%%] %d/%d completed", s.ProgressPercent, s.Completed, s.Total)
	if s.Failed > 0 {
		line += fmt.Sprintf(", %d failed", s.Failed)
	}
	if s.InProgress > 0 {
		line += fmt.Sprintf(", %d in progress", s.InProgress)
	}
	return line
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	st, err := newStack(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	handle := executor.BatchHandle{BatchID: statusBatch, AccessToken: statusToken}
	if p, err := st.plans.GetByBatchID(ctx, statusBatch); err == nil {
		handle.JobCount = p.JobCount
	}

	snap, err := st.aggregator.Read(ctx, handle)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, progressLine(snap))
	if !statusJobs {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tJOB\tDAY\tMEAL\tSTATE\tRECIPE\tERROR")
	for _, j := range snap.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", j.Icon, j.JobID, j.Day, j.Meal, j.State, j.RecipeID, j.Error)
	}
	return w.Flush()
}
