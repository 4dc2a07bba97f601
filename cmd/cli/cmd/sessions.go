package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

var (
	sessionsWorkerID int64
	sessionsStatus   string
	sessionsLimit    int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List notebook sessions",
	Long:  `Display sessions, live and historical, with shutdown reasons.`,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().Int64VarP(&sessionsWorkerID, "worker", "w", 0, "Filter by worker id")
	sessionsCmd.Flags().StringVarP(&sessionsStatus, "status", "s", "", "Filter by status (starting, active, idle, terminated)")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 50, "Maximum sessions to list")
}

func runSessions(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if sessionsWorkerID > 0 {
		params.Set("worker_id", strconv.FormatInt(sessionsWorkerID, 10))
	}
	if sessionsStatus != "" {
		params.Set("status", sessionsStatus)
	}
	if sessionsLimit > 0 {
		params.Set("limit", strconv.Itoa(sessionsLimit))
	}

	path := "/api/v1/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var result struct {
		Sessions []models.Session `json:"sessions"`
		Count    int              `json:"count"`
	}
	if err := getJSON(path, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKER\tPROVIDER\tSTATUS\tSTARTED\tDURATION\tREASON")
	fmt.Fprintln(w, "--\t------\t--------\t------\t-------\t--------\t------")

	for _, session := range result.Sessions {
		duration := time.Duration(session.DurationSeconds) * time.Second
		if session.IsLive() {
			duration = time.Since(session.StartedAt).Round(time.Minute)
		}
		reason := string(session.ShutdownReason)
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			session.ID,
			session.WorkerID,
			session.Provider,
			session.Status,
			session.StartedAt.Format("01-02 15:04"),
			duration,
			reason,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d sessions\n", result.Count)
	return nil
}
