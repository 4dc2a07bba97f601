package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

var (
	workersProvider string
	workersStatus   string
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List notebook workers",
	Long:  `Display the worker inventory with status and quota usage.`,
	RunE:  runWorkers,
}

var quotaCmd = &cobra.Command{
	Use:   "quota <worker-id>",
	Short: "Show quota state for a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuota,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(quotaCmd)

	workersCmd.Flags().StringVarP(&workersProvider, "provider", "p", "", "Filter by provider (colab, kaggle)")
	workersCmd.Flags().StringVarP(&workersStatus, "status", "s", "", "Filter by status")
}

func runWorkers(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if workersProvider != "" {
		params.Set("provider", workersProvider)
	}
	if workersStatus != "" {
		params.Set("status", workersStatus)
	}

	path := "/api/v1/workers"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var result struct {
		Workers []models.Worker `json:"workers"`
		Count   int             `json:"count"`
	}
	if err := getJSON(path, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Workers) == 0 {
		fmt.Println("No workers found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tACCOUNT\tSTATUS\tWEEKLY USED\tCOOLDOWN\tAUTO")
	fmt.Fprintln(w, "--\t--------\t-------\t------\t-----------\t--------\t----")

	for _, worker := range result.Workers {
		weekly := "-"
		if worker.Provider == models.ProviderKaggle {
			weekly = fmt.Sprintf("%.1fh", float64(worker.WeeklyUsageSeconds)/3600)
		}
		cooldown := "-"
		if !worker.CooldownUntil.IsZero() && worker.CooldownUntil.After(time.Now()) {
			cooldown = time.Until(worker.CooldownUntil).Round(time.Minute).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%v\n",
			worker.ID,
			worker.Provider,
			worker.AccountID,
			worker.Status,
			weekly,
			cooldown,
			worker.AutoManaged,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d workers\n", result.Count)
	return nil
}

func runQuota(cmd *cobra.Command, args []string) error {
	var status models.QuotaStatus
	if err := getJSON(fmt.Sprintf("/api/v1/workers/%s/quota", args[0]), &status); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(status)
	}

	fmt.Printf("Worker %d (%s)\n", status.WorkerID, status.Provider)
	fmt.Printf("  Session runtime:    %.1fh (%.1fh remaining)\n",
		float64(status.SessionRuntimeSeconds)/3600,
		float64(status.RemainingSessionSeconds)/3600)
	if status.Provider == models.ProviderKaggle {
		fmt.Printf("  Weekly used:        %.1fh (%.1fh remaining)\n",
			float64(status.WeeklyUsedSeconds)/3600,
			float64(status.WeeklyRemainingSeconds)/3600)
	}
	fmt.Printf("  Utilization:        %.1f%%\n", status.UtilizationPercent)
	if status.InCooldown {
		fmt.Printf("  Cooldown remaining: %.1fh\n", float64(status.CooldownRemainingSeconds)/3600)
	}
	fmt.Printf("  Can start:          %v\n", status.CanStart)
	if status.ShouldStop {
		fmt.Printf("  Should stop:        yes (%s)\n", status.Reason)
	}
	return nil
}
