package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "xinyu",
		Short:        "Interactive narrative engine for character role-play",
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(mcpCmd(&configPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
