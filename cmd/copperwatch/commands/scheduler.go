package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/copperwatch/internal/scheduler"
	"github.com/wonny/copperwatch/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "스케줄러 관리",
	Long: `스케줄러를 시작하거나 작업을 관리합니다.

Subcommands:
  start   - 스케줄러 시작
  list    - 등록된 작업 목록
  run     - 특정 작업 즉시 실행

Example:
  go run ./cmd/copperwatch scheduler start
  go run ./cmd/copperwatch scheduler list
  go run ./cmd/copperwatch scheduler run forecast_issue`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "스케줄러 시작",
		Long: `스케줄러를 시작하고 등록된 모든 작업을 스케줄합니다.

등록되는 작업 (빈 스케줄은 비활성):
- price_collection: SCHEDULE_COLLECT (기본 평일 18:30)
- forecast_issue: SCHEDULE_ISSUE (기본 평일 19:00)
- forecast_reconcile: SCHEDULE_RECONCILE (기본 매일 19:15)
- performance_evaluate: SCHEDULE_EVALUATE (기본 매일 19:30)
- model_reload: SCHEDULE_MODEL_RELOAD (기본 비활성)

저장소 장애로 실패한 작업만 재시도합니다.
스케줄러는 Ctrl+C로 종료할 수 있습니다.`,
		RunE: runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "등록된 작업 목록",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "특정 작업 즉시 실행",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
}

// initScheduler wires the pipeline jobs onto a scheduler
func initScheduler(ctx context.Context) (*scheduler.Scheduler, *app, error) {
	a, err := newApp(ctx, appOptions{withFeed: true})
	if err != nil {
		return nil, nil, err
	}

	sched := scheduler.New(a.log).WithRetry(a.cfg.Scheduler.MaxRetries, a.cfg.Scheduler.RetryDelay)
	if err := jobs.Register(sched, a.pipeline, a.registry, a.cfg.Scheduler, a.cfg.Forecast.WindowDays, a.log); err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("register jobs: %w", err)
	}
	return sched, a, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	fmt.Println("=== copperwatch Scheduler ===")

	sched, a, err := initScheduler(cmd.Context())
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer a.Close()

	// Start scheduler
	sched.Start()

	fmt.Println("\n✅ Scheduler started successfully")
	fmt.Println("\nRegistered jobs:")
	stats := sched.GetJobStats()
	for _, jobName := range sched.GetAllJobs() {
		fmt.Printf("  - %-22s %s\n", jobName, stats[jobName].Schedule)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down scheduler...")
	sched.Stop()
	fmt.Println("Scheduler stopped")

	return nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	sched, a, err := initScheduler(cmd.Context())
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer a.Close()

	fmt.Println("Registered jobs:")
	stats := sched.GetJobStats()
	for _, jobName := range sched.GetAllJobs() {
		fmt.Printf("  - %-22s %s\n", jobName, stats[jobName].Schedule)
	}

	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]

	fmt.Printf("Running job: %s\n", jobName)

	sched, a, err := initScheduler(cmd.Context())
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer a.Close()

	result, err := sched.RunJobSync(jobName)
	if err != nil {
		return err
	}

	if !result.Success {
		fmt.Printf("❌ Job failed after %d attempt(s): %s\n", result.Attempts, result.Error)
		return fmt.Errorf("job %s failed", jobName)
	}

	fmt.Printf("✅ Job completed in %v (%d attempt(s))\n", result.Duration, result.Attempts)
	return nil
}
