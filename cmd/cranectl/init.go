package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crane-dl/crane/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the crane config file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(); err != nil {
			return err
		}
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
