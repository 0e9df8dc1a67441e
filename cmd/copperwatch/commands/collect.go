package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// collectCmd pulls daily closes from the upstream feed
var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "상류 피드에서 일별 가격 수집",
	Long: `설정된 종목과 스프레드 보조 종목의 일별 가격을 수집해 저장합니다.
같은 날짜를 다시 수집하면 덮어씁니다.

Example:
  go run ./cmd/copperwatch collect
  go run ./cmd/copperwatch collect --from 2024-01-02 --to 2024-03-08`,
	RunE: runCollect,
}

var (
	collectFrom string
	collectTo   string
	collectJSON bool
)

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringVar(&collectFrom, "from", "", "시작 날짜 (YYYY-MM-DD, 기본: 종료일-5일)")
	collectCmd.Flags().StringVar(&collectTo, "to", "", "종료 날짜 (YYYY-MM-DD, 기본: 오늘)")
	collectCmd.Flags().BoolVar(&collectJSON, "json", false, "결과를 JSON으로 출력")
}

func runCollect(cmd *cobra.Command, args []string) error {
	to, err := parseDateFlag(collectTo)
	if err != nil {
		return err
	}
	from := to.AddDate(0, 0, -5)
	if collectFrom != "" {
		if from, err = parseDateFlag(collectFrom); err != nil {
			return err
		}
	}
	if to.Before(from) {
		return fmt.Errorf("--to %s is before --from %s", collectTo, collectFrom)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{withFeed: true})
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.pipeline.Collect(ctx, from, to)
	if err := printResults(collectJSON, res); err != nil {
		return err
	}
	return failed(res)
}
