package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "a2a-coordinator",
	Short:         "Agent-to-agent coordination service",
	Long:          `a2a-coordinator routes messages between agents, runs consensus rounds and workflows, and fronts the agent network with an API gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("a2a-coordinator " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or TOML; default $A2A_CONFIG or config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// configPath resolves the config file: --config, then A2A_CONFIG, then
// config.yaml in the working directory.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("A2A_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
