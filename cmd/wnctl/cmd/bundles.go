package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/workernodes/workernodes/pkg/bundler"
)

// bundlesCmd represents the bundles command
var bundlesCmd = &cobra.Command{
	Use:   "bundles",
	Short: "Inspect node bundle caches",
}

// bundlesDescribeCmd represents the bundles describe command
var bundlesDescribeCmd = &cobra.Command{
	Use:   "describe <hash>",
	Short: "Check which nodes hold a bundle fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundlesDescribe,
}

// bundlesHashCmd represents the bundles hash command
var bundlesHashCmd = &cobra.Command{
	Use:   "hash <file>",
	Short: "Print the content fingerprint of a local artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundlesHash,
}

func init() {
	rootCmd.AddCommand(bundlesCmd)
	bundlesCmd.AddCommand(bundlesDescribeCmd)
	bundlesCmd.AddCommand(bundlesHashCmd)
}

type bundleRow struct {
	Node    string `json:"node" yaml:"node"`
	Present bool   `json:"present" yaml:"present"`
	Size    int64  `json:"size,omitempty" yaml:"size,omitempty"`
	Created string `json:"created,omitempty" yaml:"created,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

func runBundlesDescribe(cmd *cobra.Command, args []string) error {
	hash := args[0]

	c, err := newClient("incremental")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []bundleRow
	for _, n := range c.Nodes() {
		row := bundleRow{Node: n.BaseURL()}
		info, found, err := n.DescribeBundle(ctx, hash)
		switch {
		case err != nil:
			row.Error = err.Error()
		case found:
			row.Present = true
			row.Size = info.Size
			row.Created = info.Created.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}

	if done, err := printStructured(rows); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "Present", "Size", "Created", "Error")
	for _, row := range rows {
		present := "no"
		size := ""
		if row.Present {
			present = "yes"
			size = fmt.Sprintf("%d", row.Size)
		}
		table.Append(row.Node, present, size, row.Created, row.Error)
	}
	table.Render()
	return nil
}

func runBundlesHash(cmd *cobra.Command, args []string) error {
	hash, size, err := bundler.Fingerprint(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s  (%d bytes)\n", hash, size)
	return nil
}
