package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	addSaveDir      string
	addConnections  int
	addReferrer     string
	addCookies      string
	addUserAgent    string
	addExpectedHash string
)

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Queue a new download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClientFromFlags()
		id, err := c.AddDownload(context.Background(), args[0], addOptions{
			SaveDir:      addSaveDir,
			Connections:  addConnections,
			Referrer:     addReferrer,
			Cookies:      addCookies,
			UserAgent:    addUserAgent,
			ExpectedHash: addExpectedHash,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s queued %s\n", color.GreenString("+"), id)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addSaveDir, "save-dir", "", "destination directory (default: configured output dir)")
	addCmd.Flags().IntVar(&addConnections, "connections", 0, "parallel connections (default: configured per-download default)")
	addCmd.Flags().StringVar(&addReferrer, "referrer", "", "Referer header to send")
	addCmd.Flags().StringVar(&addCookies, "cookies", "", "Cookie header to send")
	addCmd.Flags().StringVar(&addUserAgent, "user-agent", "", "User-Agent header to send")
	addCmd.Flags().StringVar(&addExpectedHash, "hash", "", "expected hash, e.g. sha256:<hex>")
	rootCmd.AddCommand(addCmd)
}
