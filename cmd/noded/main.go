package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/workernodes/workernodes/pkg/bundle"
	"github.com/workernodes/workernodes/pkg/host"
	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/metrics"
	"github.com/workernodes/workernodes/pkg/models"
	"github.com/workernodes/workernodes/pkg/node"
	"github.com/workernodes/workernodes/pkg/shutdown"
)

func main() {
	pflag.String("config", "", "config file (yaml)")
	pflag.String("listen", ":7600", "address for the node API")
	pflag.String("metrics-listen", "", "address for the Prometheus endpoint (empty disables metrics)")
	pflag.String("cache-dir", "", "bundle cache directory (default is a temp directory)")
	pflag.String("name", "", "node name reported to clients (default is the hostname)")
	pflag.String("interpreter", "node", "command that executes bundle artifacts")
	pflag.String("username", "", "basic-auth username (empty disables auth)")
	pflag.String("password", "", "basic-auth password")
	pflag.Duration("grace-window", node.DefaultGraceWindow, "reattach window before an abandoned worker is killed")
	pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Bool("log-json", false, "emit JSON log lines")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)
	viper.SetEnvPrefix("WORKERNODES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read config file: %v\n", err)
			os.Exit(1)
		}
	}

	log := logging.NewLogger(logging.ParseLevel(viper.GetString("log-level")), viper.GetBool("log-json"))

	cacheDir := viper.GetString("cache-dir")
	if cacheDir == "" {
		dir, err := os.MkdirTemp("", "workernodes-cache-")
		if err != nil {
			log.Fatal("Failed to create cache directory", map[string]interface{}{"error": err.Error()})
		}
		cacheDir = dir
	}

	cache, err := bundle.New(cacheDir, bundle.DefaultClearThreshold, log)
	if err != nil {
		log.Fatal("Failed to open bundle cache", map[string]interface{}{"error": err.Error()})
	}

	execHost := host.NewExecHost(strings.Fields(viper.GetString("interpreter")), log)

	var exporter *metrics.Exporter
	registryCount := func() float64 { return 0 }
	if viper.GetString("metrics-listen") != "" {
		exporter = metrics.NewExporter(metrics.Gauges{
			WorkersRunning: func() float64 { return registryCount() },
			BundleCount:    func() float64 { return float64(cache.Count()) },
			BundleBytes:    func() float64 { return float64(cache.TotalBytes()) },
		})
	}

	srv, err := node.NewServer(node.Config{
		Cache: cache,
		Host:  execHost,
		Credentials: models.Credentials{
			Username: viper.GetString("username"),
			Password: viper.GetString("password"),
		},
		GraceWindow: viper.GetDuration("grace-window"),
		Name:        viper.GetString("name"),
		Metrics:     exporter,
		Log:         log,
	})
	if err != nil {
		log.Fatal("Failed to build node server", map[string]interface{}{"error": err.Error()})
	}
	registryCount = func() float64 { return float64(srv.Registry().Count()) }

	mgr := shutdown.New(30 * time.Second)

	if metricsAddr := viper.GetString("metrics-listen"); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", exporter.Handler())
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			log.Info("Metrics listening", map[string]interface{}{"addr": metricsAddr})
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		mgr.Register(shutdown.StopHTTPServer(metricsServer, "metrics"))
	}

	apiServer := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: srv.Router(),
		// No write timeout: event streams stay open for the worker lifetime.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info("Node listening", map[string]interface{}{
			"addr":    apiServer.Addr,
			"cache":   cacheDir,
			"version": models.Version,
		})
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Node server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Workers go down after the listeners stop accepting new streams.
	mgr.Register(srv.Registry().Shutdown)
	mgr.Register(shutdown.StopHTTPServer(apiServer, "node api"))

	mgr.Wait()
	mgr.Shutdown()
}
