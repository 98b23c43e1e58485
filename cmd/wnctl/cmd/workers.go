package cmd

import (
	"context"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// workersCmd represents the workers command
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect live workers",
}

// workersListCmd represents the workers list command
var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live workers on every configured node",
	RunE:  runWorkersList,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
}

type workerRow struct {
	Node     string `json:"node" yaml:"node"`
	WorkerID string `json:"workerId,omitempty" yaml:"workerId,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	c, err := newClient("incremental")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []workerRow
	for _, n := range c.Nodes() {
		ids, err := n.ListWorkers(ctx)
		if err != nil {
			rows = append(rows, workerRow{Node: n.BaseURL(), Error: err.Error()})
			continue
		}
		for _, id := range ids {
			rows = append(rows, workerRow{Node: n.BaseURL(), WorkerID: id})
		}
	}

	if done, err := printStructured(rows); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "Worker ID", "Error")
	for _, row := range rows {
		table.Append(row.Node, row.WorkerID, row.Error)
	}
	table.Render()
	return nil
}
