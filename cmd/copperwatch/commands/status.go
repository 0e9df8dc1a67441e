package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/copperwatch/internal/contracts"
)

// statusCmd shows store health and pipeline backlog
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "파이프라인 상태 조회",
	Long: `저장소 연결, 로드된 모델, 미해결 예측 수,
종목별 최신 성능 스냅샷을 표시합니다.

Example:
  go run ./cmd/copperwatch status
  go run ./cmd/copperwatch status --json`,
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "JSON으로 출력")
}

// statusReport 상태 요약
type statusReport struct {
	Store       string                                   `json:"store"`
	StoreOK     bool                                     `json:"store_ok"`
	Models      []string                                 `json:"models"`
	Failures    int                                      `json:"model_failures"`
	Unresolved  int                                      `json:"unresolved"`
	Performance map[string][]contracts.PerformanceRecord `json:"performance"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	report := statusReport{
		Store:       a.cfg.Store.Driver,
		Failures:    len(a.registry.Failures()),
		Performance: make(map[string][]contracts.PerformanceRecord),
	}
	for _, m := range a.registry.Adapters() {
		report.Models = append(report.Models, m.Name())
	}

	if err := a.store.Ping(ctx); err != nil {
		a.log.WithError(err).Warn("Store ping failed")
	} else {
		report.StoreOK = true

		pending, err := a.store.QueryUnresolved(ctx, contracts.DateOnly(time.Now()))
		if err != nil {
			return err
		}
		report.Unresolved = len(pending)

		for _, inst := range a.pipeline.Instruments() {
			records, err := a.store.ListPerformance(ctx, inst.ID, time.Time{})
			if err != nil {
				return err
			}
			report.Performance[inst.ID] = records
		}
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printStatus(report)
	if !report.StoreOK {
		return fmt.Errorf("store %s unreachable", report.Store)
	}
	return nil
}

func printStatus(r statusReport) {
	storeStatus := "✅ reachable"
	if !r.StoreOK {
		storeStatus = "❌ unreachable"
	}

	fmt.Println()
	fmt.Println(ruleHeavy)
	fmt.Println("  copperwatch status")
	fmt.Println(ruleLight)
	fmt.Printf("  Store       : %s (%s)\n", r.Store, storeStatus)
	fmt.Printf("  Models      : %d loaded, %d failed\n", len(r.Models), r.Failures)
	fmt.Printf("  Unresolved  : %d\n", r.Unresolved)

	instruments := make([]string, 0, len(r.Performance))
	for inst := range r.Performance {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	for _, inst := range instruments {
		records := r.Performance[inst]
		fmt.Println(ruleLight)
		if len(records) == 0 {
			fmt.Printf("  %s: no evaluation yet\n", inst)
			continue
		}
		fmt.Printf("  %s (evaluated %s)\n", inst, records[0].EvaluationDate.Format(contracts.DateLayout))
		fmt.Printf("  %-14s %3s %10s %10s %8s %6s\n", "model", "h", "MAE", "RMSE", "MAPE%", "n")
		for _, rec := range records {
			mape := "-"
			if rec.MAPE != nil {
				mape = fmt.Sprintf("%.2f", *rec.MAPE)
			}
			flag := ""
			if rec.Degraded {
				flag = " ⚠️"
			}
			fmt.Printf("  %-14s %3d %10.2f %10.2f %8s %6d%s\n",
				rec.ModelName, rec.HorizonDays, rec.MAE, rec.RMSE, mape, rec.SampleCount, flag)
		}
	}
	fmt.Println(ruleHeavy)
}
