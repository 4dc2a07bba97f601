package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

var (
	startOverride bool
	stopReason    string
)

var startCmd = &cobra.Command{
	Use:   "start <worker-id>",
	Short: "Start a session on a worker",
	Long:  `Manually start a notebook session. Quota checks always apply; use --override to bypass the provider alternation gate.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <worker-id>",
	Short: "Stop a worker's live session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Get a worker ready for immediate use",
	Long:  `Returns a hot worker if one is serving, otherwise wakes the first startable one.`,
	RunE:  runActivate,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(activateCmd)

	startCmd.Flags().BoolVar(&startOverride, "override", false, "Bypass the alternation gate for this start")
	stopCmd.Flags().StringVar(&stopReason, "reason", "manual_stop", "Shutdown reason to record")
}

func runStart(cmd *cobra.Command, args []string) error {
	var worker models.Worker
	body := map[string]bool{"override": startOverride}
	if err := postJSON(fmt.Sprintf("/api/v1/workers/%s/start", args[0]), body, &worker); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(worker)
	}

	fmt.Printf("Worker %d started (%s)\n", worker.ID, worker.Provider)
	fmt.Printf("  Tunnel: %s\n", worker.TunnelURL)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	var result struct {
		WorkerID int64  `json:"worker_id"`
		Stopped  bool   `json:"stopped"`
		Reason   string `json:"reason"`
	}
	body := map[string]string{"reason": stopReason}
	if err := postJSON(fmt.Sprintf("/api/v1/workers/%s/stop", args[0]), body, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("Worker %d stopped (%s)\n", result.WorkerID, result.Reason)
	return nil
}

func runActivate(cmd *cobra.Command, args []string) error {
	var worker models.Worker
	if err := postJSON("/api/v1/activate", nil, &worker); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(worker)
	}

	fmt.Printf("Worker %d ready (%s)\n", worker.ID, worker.Provider)
	fmt.Printf("  Tunnel: %s\n", worker.TunnelURL)
	return nil
}
