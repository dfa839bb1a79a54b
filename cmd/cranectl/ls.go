package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/crane-dl/crane/internal/model"
)

var lsJSON bool

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClientFromFlags()
		rows, err := c.GetDownloads(context.Background())
		if err != nil {
			return err
		}

		if lsJSON {
			out, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(rows) == 0 {
			fmt.Println("(no downloads)")
			return nil
		}
		for _, d := range rows {
			fmt.Printf("%s  %-10s  %-40s  %s / %s\n",
				d.ID[:8], statusLabel(d.Status), truncate(d.Filename, 40),
				formatSize(d.Downloaded), totalLabel(d))
		}
		return nil
	},
}

func init() {
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(lsCmd)
}

func statusLabel(s model.Status) string {
	switch s {
	case model.StatusCompleted:
		return color.GreenString(string(s))
	case model.StatusFailed:
		return color.RedString(string(s))
	case model.StatusDownloading:
		return color.CyanString(string(s))
	case model.StatusPaused:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func totalLabel(d *model.Download) string {
	if !d.HasKnownTotal() {
		return "?"
	}
	return formatSize(d.Total)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
