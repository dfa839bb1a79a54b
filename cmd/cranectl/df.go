package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var dfCmd = &cobra.Command{
	Use:   "df [path]",
	Short: "Show free/total disk space for a save directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClientFromFlags()
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		info, err := c.DiskSpace(context.Background(), path)
		if err != nil {
			return err
		}
		fmt.Printf("total %s   used %s   free %s\n",
			formatSize(int64(info.TotalBytes)), formatSize(int64(info.UsedBytes)), formatSize(int64(info.FreeBytes)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dfCmd)
}
