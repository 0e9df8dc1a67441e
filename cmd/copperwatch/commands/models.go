package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/pkg/config"
)

// modelsCmd lists model artifacts without touching the store
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "모델 아티팩트 검사",
	Long: `MODEL_DIR 의 아티팩트를 로드해 목록과 실패 원인을 표시합니다.
저장소에 연결하지 않습니다.

Example:
  go run ./cmd/copperwatch models
  go run ./cmd/copperwatch models --dir ./artifacts`,
	RunE: runModels,
}

var modelsDir string

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().StringVar(&modelsDir, "dir", "", "아티팩트 디렉터리 (기본: MODEL_DIR)")
}

func runModels(cmd *cobra.Command, args []string) error {
	dir := modelsDir
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dir = cfg.Forecast.ModelDir
	}

	registry := models.LoadRegistry(dir, zerolog.Nop())

	fmt.Printf("Model directory: %s\n\n", dir)
	for _, m := range registry.Adapters() {
		features := "-"
		if m.RequiresFeatures() {
			features = strings.Join(m.Features(), ",")
		}
		fmt.Printf("  ✅ %-16s %-18s %s  features=%s\n", m.Name(), m.Kind(), m.Version(), features)
	}
	for _, f := range registry.Failures() {
		fmt.Printf("  ❌ %s: %s\n", f.Path, f.Error)
	}

	if len(registry.Adapters()) == 0 {
		return fmt.Errorf("no usable model artifacts in %s", dir)
	}
	return nil
}
