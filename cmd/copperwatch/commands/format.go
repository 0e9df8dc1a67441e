package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/wonny/copperwatch/internal/contracts"
)

// ═══════════════════════════════════════════════════════════
// Common Formatting Utilities
// 모든 커맨드가 동일한 출력 포맷을 사용하도록 통일
// ═══════════════════════════════════════════════════════════

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════"
	ruleLight = "───────────────────────────────────────────────────────────"
)

// printResults prints run results as text or as one JSON document
func printResults(asJSON bool, results ...*contracts.RunResult) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if len(results) == 1 {
			return enc.Encode(results[0])
		}
		return enc.Encode(results)
	}

	for _, res := range results {
		printResult(res)
	}
	return nil
}

// printResult prints a formatted run summary
func printResult(res *contracts.RunResult) {
	status := "✅ success"
	if !res.Success {
		status = "❌ failed"
	}

	fmt.Println()
	fmt.Println(ruleHeavy)
	fmt.Printf("  %s  %s\n", strings.ToUpper(res.Operation), res.AsOf.Format(contracts.DateLayout))
	fmt.Println(ruleLight)
	fmt.Printf("  Run ID    : %s\n", res.RunID)
	fmt.Printf("  Status    : %s\n", status)
	fmt.Printf("  Duration  : %.2fs\n", res.FinishedAt.Sub(res.StartedAt).Seconds())

	keys := make([]string, 0, len(res.Counts))
	for k := range res.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s: %d\n", k, res.Counts[k])
	}

	if len(res.Warnings) > 0 {
		fmt.Println(ruleLight)
		for _, w := range res.Warnings {
			fmt.Printf("  ⚠️  %s\n", w)
		}
	}
	if len(res.Errors) > 0 {
		fmt.Println(ruleLight)
		for _, e := range res.Errors {
			fmt.Printf("  ❌ %s\n", e)
		}
	}
	fmt.Println(ruleHeavy)
}

// RunFailedError carries a failed run's exit status back to main
type RunFailedError struct {
	Operation string
	RunID     string
	Code      int
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("%s run %s failed", e.Operation, e.RunID)
}

// failed reports the first failed result as a command error
func failed(results ...*contracts.RunResult) error {
	for _, res := range results {
		if code := res.ExitCode(); code != 0 {
			return &RunFailedError{Operation: res.Operation, RunID: res.RunID, Code: code}
		}
	}
	return nil
}
