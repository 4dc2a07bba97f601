package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show the rotation schedule",
	Long:  `Display the rotation groups, offsets, and estimated 24h coverage.`,
	RunE:  runSchedule,
}

var alternationCmd = &cobra.Command{
	Use:   "alternation",
	Short: "Show the provider alternation state",
	RunE:  runAlternation,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(alternationCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	var schedule models.Schedule
	if err := getJSON("/api/v1/schedule", &schedule); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(schedule)
	}

	fmt.Printf("Strategy: %s\n\n", schedule.Strategy)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tPROVIDER\tWORKERS\tSTART\tDURATION")
	fmt.Fprintln(w, "-----\t--------\t-------\t-----\t--------")
	for _, group := range schedule.Groups {
		fmt.Fprintf(w, "%s\t%s\t%v\t+%.1fh\t%.1fh\n",
			group.GroupID,
			group.Provider,
			group.WorkerIDs,
			group.StartOffsetHours,
			group.DurationHours,
		)
	}
	w.Flush()

	fmt.Printf("\nEstimated coverage: min %d, max %d, average %.1f workers online\n",
		schedule.Coverage.MinOnline,
		schedule.Coverage.MaxOnline,
		schedule.Coverage.AverageOnline)
	return nil
}

func runAlternation(cmd *cobra.Command, args []string) error {
	var state struct {
		NextProvider models.Provider `json:"next_provider"`
		Starts       []struct {
			Provider models.Provider `json:"provider"`
			At       string          `json:"at"`
		} `json:"starts"`
		Stops []struct {
			Provider models.Provider `json:"provider"`
			At       string          `json:"at"`
		} `json:"stops"`
	}
	if err := getJSON("/api/v1/alternation", &state); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(state)
	}

	fmt.Printf("Next provider: %s\n", state.NextProvider)
	fmt.Printf("Recorded starts: %d, stops: %d\n", len(state.Starts), len(state.Stops))
	if n := len(state.Stops); n > 0 {
		fmt.Printf("Last stopped: %s at %s\n", state.Stops[n-1].Provider, state.Stops[n-1].At)
	}
	return nil
}
