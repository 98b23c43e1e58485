package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show identity of the configured nodes",
	Long:  `Fetch name and software version from every configured node.`,
	RunE:  runInfo,
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show load of the configured nodes",
	Long:  `Fetch the live-worker count and per-core CPU utilization from every configured node.`,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(healthCmd)
}

type nodeIdentity struct {
	Node    string `json:"node" yaml:"node"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	c, err := newClient("incremental")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []nodeIdentity
	for _, n := range c.Nodes() {
		row := nodeIdentity{Node: n.BaseURL()}
		if info, err := n.Info(ctx); err != nil {
			row.Error = err.Error()
		} else {
			row.Name = info.Name
			row.Version = info.NodeVersion
		}
		rows = append(rows, row)
	}

	if done, err := printStructured(rows); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "Name", "Version", "Error")
	for _, row := range rows {
		table.Append(row.Node, row.Name, row.Version, row.Error)
	}
	table.Render()
	return nil
}

type nodeLoad struct {
	Node           string    `json:"node" yaml:"node"`
	WorkersRunning int       `json:"workersRunning" yaml:"workersRunning"`
	MeanCPU        float64   `json:"meanCpuUsage" yaml:"meanCpuUsage"`
	CPUUsage       []float64 `json:"cpuUsage,omitempty" yaml:"cpuUsage,omitempty"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	c, err := newClient("incremental")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []nodeLoad
	for _, n := range c.Nodes() {
		row := nodeLoad{Node: n.BaseURL()}
		if status, err := n.Health(ctx); err != nil {
			row.Error = err.Error()
		} else {
			row.WorkersRunning = status.WorkersRunning
			row.MeanCPU = status.MeanCPUUsage()
			row.CPUUsage = status.CPUUsage
		}
		rows = append(rows, row)
	}

	if done, err := printStructured(rows); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "Workers", "Mean CPU", "Cores")
	for _, row := range rows {
		if row.Error != "" {
			table.Append(row.Node, "-", "-", row.Error)
			continue
		}
		table.Append(
			row.Node,
			fmt.Sprintf("%d", row.WorkersRunning),
			fmt.Sprintf("%.1f%%", row.MeanCPU*100),
			fmt.Sprintf("%d", len(row.CPUUsage)),
		)
	}
	table.Render()
	return nil
}
