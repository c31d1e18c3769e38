package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a running telemetryd instance's /health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfigAndLogger()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get("http://" + cfg.Addr + "/health")
		if err != nil {
			return fmt.Errorf("telemetryd is not reachable at %s: %w", cfg.Addr, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telemetryd health check returned %s", resp.Status)
		}
		fmt.Println("ok")
		return nil
	},
}
