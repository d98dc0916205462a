package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/opsforge/opsforge/pkg/stores"
)

// printJSON writes any value as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a tabwriter on stdout for aligned columnar output.
func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printExecutions(execs []*stores.Execution) error {
	if jsonOutput {
		return printJSON(execs)
	}

	w := newTable()
	fmt.Fprintln(w, "EXECUTION ID\tRUNBOOK\tSTATUS\tDRY RUN\tTRIGGERED BY\tCREATED")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			e.ExecutionID, e.RunbookName, e.Status, e.DryRun, e.TriggeredBy,
			e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printExecution(e *stores.Execution) error {
	if jsonOutput {
		return printJSON(e)
	}

	w := newTable()
	fmt.Fprintf(w, "Execution:\t%s\n", e.ExecutionID)
	fmt.Fprintf(w, "Runbook:\t%s\n", e.RunbookName)
	fmt.Fprintf(w, "Status:\t%s\n", e.Status)
	fmt.Fprintf(w, "Dry run:\t%t\n", e.DryRun)
	fmt.Fprintf(w, "Triggered by:\t%s\n", e.TriggeredBy)
	fmt.Fprintf(w, "Created:\t%s\n", e.CreatedAt.Format(time.RFC3339))
	if e.ApprovedBy != nil {
		fmt.Fprintf(w, "Approved by:\t%s\n", *e.ApprovedBy)
	}
	if e.StartedAt != nil {
		fmt.Fprintf(w, "Started:\t%s\n", e.StartedAt.Format(time.RFC3339))
	}
	if e.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", e.CompletedAt.Format(time.RFC3339))
	}
	if e.Status.Terminal() {
		fmt.Fprintf(w, "Items found:\t%d\n", e.ItemsFound)
		fmt.Fprintf(w, "Items actioned:\t%d\n", e.ItemsActioned)
	}
	if e.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:\t%s\n", *e.ErrorMessage)
	}
	if e.Result != nil {
		fmt.Fprintf(w, "Result:\t%s\n", *e.Result)
	}
	return w.Flush()
}
