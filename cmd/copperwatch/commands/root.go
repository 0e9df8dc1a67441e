package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "copperwatch",
	Short: "copperwatch - 구리 선물 예측 발행·대조·평가",
	Long: `copperwatch CLI

LME 구리 선물 가격 예측 파이프라인.
모델 아티팩트로 예측을 발행하고, 실현가와 대조해
모델/호라이즌별 정확도를 평가합니다.

Usage:
  go run ./cmd/copperwatch [command]

Examples:
  go run ./cmd/copperwatch forecast run
  go run ./cmd/copperwatch forecast issue --date 2024-03-08 --dry-run
  go run ./cmd/copperwatch collect --from 2024-03-01
  go run ./cmd/copperwatch scheduler start
  go run ./cmd/copperwatch api`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			return nil
		}
		// 명시한 파일이 .env 탐색보다 우선
		if err := godotenv.Overload(configFile); err != nil {
			return fmt.Errorf("load config file %s: %w", configFile, err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
