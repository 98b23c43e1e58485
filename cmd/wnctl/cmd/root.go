package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/workernodes/workernodes/pkg/client"
	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
)

var (
	cfgFile      string
	nodeURLs     []string
	outputFormat string
	username     string
	password     string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wnctl",
	Short: "CLI for the workernodes dispatch system",
	Long: `wnctl manages worker nodes in the workernodes distributed dispatch
system: inspect node identity and load, browse bundle caches and live
workers, and spawn workers from the command line.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wnctl/config)")
	rootCmd.PersistentFlags().StringSliceVar(&nodeURLs, "node", nil, "node URL, repeatable (default from config)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "basic-auth username for all nodes")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "basic-auth password for all nodes")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".wnctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("username", "WORKERNODES_USERNAME")
	viper.BindEnv("password", "WORKERNODES_PASSWORD")

	if err := viper.ReadInConfig(); err == nil {
		if len(nodeURLs) == 0 {
			nodeURLs = viper.GetStringSlice("nodes")
		}
		if username == "" {
			username = viper.GetString("username")
		}
		if password == "" {
			password = viper.GetString("password")
		}
	}

	if username == "" {
		username = viper.GetString("username")
	}
	if password == "" {
		password = viper.GetString("password")
	}
}

// newClient builds a dispatch client over the configured node set.
func newClient(policy string) (*client.Client, error) {
	return newClientKeep(policy, false)
}

func newClientKeep(policy string, keepWorkers bool) (*client.Client, error) {
	if len(nodeURLs) == 0 {
		return nil, fmt.Errorf("no nodes configured: pass --node or set nodes in the config file")
	}

	c, err := client.New(client.Config{
		Policy:                  policy,
		KeepWorkersOnDisconnect: keepWorkers,
		Log:                     logging.NewLogger(logging.ParseLevel(logLevel), false),
	})
	if err != nil {
		return nil, err
	}

	for _, raw := range nodeURLs {
		if username != "" || password != "" {
			if _, err := c.AddNodeWithCredentials(raw, models.Credentials{Username: username, Password: password}); err != nil {
				return nil, fmt.Errorf("invalid node %q: %w", raw, err)
			}
			continue
		}
		if _, err := c.AddNode(raw); err != nil {
			return nil, fmt.Errorf("invalid node %q: %w", raw, err)
		}
	}
	return c, nil
}

// printStructured renders v as JSON or YAML per the --output flag. Returns
// false when the caller should render a table instead.
func printStructured(v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(out))
		return true, nil
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Print(string(out))
		return true, nil
	default:
		return false, nil
	}
}
