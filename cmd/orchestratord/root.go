package main

import (
	"flag"
	"fmt"
	"os"

	"taskgraph/internal/config"
	"taskgraph/internal/telemetry"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var exit = os.Exit
var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "orchestratord",
	Short:         "Task graph orchestrator",
	Long:          `orchestratord runs the task graph: goal decomposition, capability-based assignment, and failure recovery over an embedded store.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and runs it. It is
// called once by main.main.
func Execute() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "orchestratord: panic: %v\n", r)
			exit(1)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose/debug logging")
	rootCmd.PersistentFlags().String("store-type", "", "store backend: sqlite or postgres (overrides config)")
	rootCmd.PersistentFlags().String("store-dsn", "", "store data source name (overrides config)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("store.type", rootCmd.PersistentFlags().Lookup("store-type"))
	viper.BindPFlag("store.dsn", rootCmd.PersistentFlags().Lookup("store-dsn"))

	rootCmd.AddCommand(runCmd, statusCmd, decomposeCmd)
}

// initConfig loads configuration and starts the metrics server. It runs
// before every subcommand via cobra.OnInitialize.
func initConfig() {
	config.Load(cfgFile)

	if err := config.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}

	telemetry.InitLogger(viper.GetBool("verbose"), viper.GetString("log_file"), false)

	// Skip the metrics server under `go test` so tests don't hang on a
	// bound listener.
	if flag.Lookup("test.v") == nil {
		go func() {
			port := viper.GetInt("metrics_port")
			if err := telemetry.StartMetricsServer(port); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: metrics server: %v\n", err)
			}
		}()
	}
}
