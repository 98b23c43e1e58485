package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/workernodes/workernodes/pkg/models"
)

var (
	spawnPolicy string
	spawnStdin  bool
	spawnKeep   bool
	spawnData   string
	spawnEnv    []string
	spawnArgs   []string
)

// spawnCmd represents the spawn command
var spawnCmd = &cobra.Command{
	Use:   "spawn <entrypoint>",
	Short: "Run a worker on the cluster and stream its output",
	Long: `Bundle the entrypoint, place a worker on a node chosen by the placement
policy, and stay attached: worker stdout and stderr are piped to this
terminal and messages are printed as JSON lines. The command returns the
worker's exit code.

Example:
  wnctl spawn task.js
  wnctl spawn --policy balancing --stdin --env MODE=batch task.js`,
	Args: cobra.ExactArgs(1),
	RunE: runSpawn,
}

func init() {
	rootCmd.AddCommand(spawnCmd)

	spawnCmd.Flags().StringVar(&spawnPolicy, "policy", "random", "placement policy: random, incremental or balancing")
	spawnCmd.Flags().BoolVar(&spawnStdin, "stdin", false, "forward this terminal's stdin to the worker")
	spawnCmd.Flags().BoolVar(&spawnKeep, "keep", false, "leave the worker running if this command disconnects")
	spawnCmd.Flags().StringVar(&spawnData, "data", "", "workerData JSON forwarded to the worker")
	spawnCmd.Flags().StringArrayVar(&spawnEnv, "env", nil, "environment entry KEY=VALUE, repeatable")
	spawnCmd.Flags().StringArrayVar(&spawnArgs, "arg", nil, "argv entry for the worker, repeatable")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	c, err := newClientKeep(spawnPolicy, spawnKeep)
	if err != nil {
		return err
	}

	opts := models.SpawnOptions{
		Argv:  spawnArgs,
		Stdin: spawnStdin,
	}
	if spawnData != "" {
		if !json.Valid([]byte(spawnData)) {
			return fmt.Errorf("--data must be valid JSON")
		}
		opts.WorkerData = json.RawMessage(spawnData)
	}
	if len(spawnEnv) > 0 {
		opts.Env = make(map[string]string, len(spawnEnv))
		for _, entry := range spawnEnv {
			key, value, ok := strings.Cut(entry, "=")
			if !ok {
				return fmt.Errorf("invalid --env entry %q, want KEY=VALUE", entry)
			}
			opts.Env[key] = value
		}
	}

	ctx := context.Background()
	h, err := c.Spawn(ctx, args[0], opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "worker %s spawned on %s\n", h.ID(), h.Node().BaseURL())

	h.OnMessage(func(msg []byte) {
		fmt.Fprintln(os.Stdout, string(msg))
	})

	go io.Copy(os.Stdout, h.Stdout())
	go io.Copy(os.Stderr, h.Stderr())
	if spawnStdin {
		go io.Copy(h.Stdin(), os.Stdin)
	}

	code, err := h.Wait(ctx)
	if err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("worker exited with code %d", code)
	}
	return nil
}
