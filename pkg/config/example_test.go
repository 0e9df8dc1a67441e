package config_test

import (
	"fmt"

	"github.com/wonny/copperwatch/pkg/config"
)

// Example demonstrates how to use the config package
func Example() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	fmt.Printf("Store driver: %s\n", cfg.Store.Driver)
	fmt.Printf("Horizon: %d days\n", cfg.Forecast.Horizon)
	for _, inst := range cfg.Forecast.Instruments {
		fmt.Printf("Instrument: %s (spread vs %q)\n", inst.ID, inst.Companion)
	}
}
