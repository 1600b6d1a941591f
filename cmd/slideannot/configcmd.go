package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/slidelab/slideannot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the default configuration as YAML",
	Long:  "Writes a starter slideannot.yaml to stdout:\n\n  slideannot config > slideannot.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := config.Example()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}
