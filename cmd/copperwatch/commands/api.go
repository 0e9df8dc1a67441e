package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/copperwatch/internal/api"
	"github.com/wonny/copperwatch/internal/api/handlers"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "API 서버 시작",
	Long: `대시보드용 조회 API 서버를 시작합니다.

Endpoints:
  GET  /health                     - Health check (저장소 연결)
  GET  /api/forecasts              - 예측 목록 (instrument, model, from, to, limit)
  GET  /api/forecasts/unresolved   - 미해결 예측 (as_of)
  GET  /api/performance            - 성능 스냅샷 (date, instrument)
  GET  /api/models                 - 로드된 모델
  GET  /metrics                    - Prometheus (METRICS_ENABLED)

Example:
  go run ./cmd/copperwatch api
  go run ./cmd/copperwatch api --port 8080`,
	RunE: runAPIServer,
}

var (
	apiPort string
)

func init() {
	rootCmd.AddCommand(apiCmd)

	// Flags
	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본: PORT)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== copperwatch API Server ===")

	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	// Override port if flag is set
	if apiPort != "" {
		a.cfg.Port = apiPort
	}

	var cache handlers.Cache
	if a.redis.Enabled() {
		cache = a.cache
	}
	handler := handlers.NewForecastHandler(a.store, a.registry, cache, a.cfg.Redis.CacheTTL, a.log)
	router := api.NewRouter(handler, a.metrics, a.cfg.MetricsPath, a.log)
	server := api.New(a.cfg, a.log, router)

	// Start server with graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("\n✅ Server running on http://localhost:%s\n", a.cfg.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	a.log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	a.log.Info("Server stopped")
	return nil
}
