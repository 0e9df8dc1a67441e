package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/copperwatch/internal/contracts"
)

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "예측 발행·대조·평가",
	Long: `예측 파이프라인의 각 단계를 수동으로 실행합니다.

명령어:
  issue      기준일 예측 발행 (모델별 + 앙상블)
  reconcile  만기 도래 예측을 실현가와 대조
  evaluate   롤링 윈도우 정확도 스냅샷 기록
  run        전체 실행 (issue → reconcile → evaluate)

실패한 실행은 종료 코드 1을 반환합니다.`,
}

var (
	forecastDate   string
	forecastWindow int
	forecastDryRun bool
	forecastJSON   bool
)

var forecastIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "기준일 예측 발행",
	Long: `설정된 모든 종목에 대해 기준일 예측을 발행합니다.
같은 날짜로 다시 실행하면 미해결 행을 덮어씁니다 (멱등).

Example:
  go run ./cmd/copperwatch forecast issue
  go run ./cmd/copperwatch forecast issue --date 2024-03-08 --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForecastOp(cmd.Context(), func(a *app, ctx context.Context) []*contracts.RunResult {
			asOf, _ := parseDateFlag(forecastDate)
			return []*contracts.RunResult{a.pipeline.IssueForecasts(ctx, asOf)}
		})
	},
}

var forecastReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "만기 예측 대조",
	Long: `target_date <= 기준일 인 미해결 예측에 실현가와 오차를 기록합니다.
실현가가 아직 없는 예측은 다음 실행까지 남겨둡니다.

Example:
  go run ./cmd/copperwatch forecast reconcile --date 2024-03-11`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForecastOp(cmd.Context(), func(a *app, ctx context.Context) []*contracts.RunResult {
			asOf, _ := parseDateFlag(forecastDate)
			return []*contracts.RunResult{a.pipeline.Reconcile(ctx, asOf)}
		})
	},
}

var forecastEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "롤링 정확도 평가",
	Long: `(기준일-window, 기준일] 구간의 해결된 예측으로
모델/호라이즌별 MAE, RMSE, MAPE, 방향 정확도를 기록합니다.

Example:
  go run ./cmd/copperwatch forecast evaluate --window 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForecastOp(cmd.Context(), func(a *app, ctx context.Context) []*contracts.RunResult {
			asOf, _ := parseDateFlag(forecastDate)
			window := forecastWindow
			if window <= 0 {
				window = a.cfg.Forecast.WindowDays
			}
			return []*contracts.RunResult{a.pipeline.EvaluatePerformance(ctx, asOf, window)}
		})
	},
}

var forecastRunCmd = &cobra.Command{
	Use:   "run",
	Short: "전체 실행 (issue → reconcile → evaluate)",
	Long: `발행, 대조, 평가를 순차 실행합니다.
한 단계가 실패해도 다음 단계는 계속 실행됩니다.

Example:
  go run ./cmd/copperwatch forecast run
  go run ./cmd/copperwatch forecast run --date 2024-03-08 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForecastOp(cmd.Context(), func(a *app, ctx context.Context) []*contracts.RunResult {
			asOf, _ := parseDateFlag(forecastDate)
			return a.pipeline.RunDaily(ctx, asOf)
		})
	},
}

func init() {
	rootCmd.AddCommand(forecastCmd)
	forecastCmd.AddCommand(forecastIssueCmd)
	forecastCmd.AddCommand(forecastReconcileCmd)
	forecastCmd.AddCommand(forecastEvaluateCmd)
	forecastCmd.AddCommand(forecastRunCmd)

	forecastCmd.PersistentFlags().StringVar(&forecastDate, "date", "", "기준일 (YYYY-MM-DD, 기본: 오늘)")
	forecastCmd.PersistentFlags().BoolVar(&forecastDryRun, "dry-run", false, "저장소에 쓰지 않음")
	forecastCmd.PersistentFlags().BoolVar(&forecastJSON, "json", false, "결과를 JSON으로 출력")
	forecastEvaluateCmd.Flags().IntVar(&forecastWindow, "window", 0, "평가 윈도우 (일, 기본: FORECAST_WINDOW_DAYS)")
}

// runForecastOp validates flags, wires the app and prints the results
func runForecastOp(parent context.Context, op func(a *app, ctx context.Context) []*contracts.RunResult) error {
	if _, err := parseDateFlag(forecastDate); err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{dryRun: forecastDryRun})
	if err != nil {
		return err
	}
	defer a.Close()

	results := op(a, ctx)
	if err := printResults(forecastJSON, results...); err != nil {
		return err
	}
	return failed(results...)
}
