package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func idCommand(use, short string, action func(ctx context.Context, c *client, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromFlags()
			if err := action(context.Background(), c, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", color.GreenString("✓"), use, args[0])
			return nil
		},
	}
}

var (
	rmDeleteFile  bool
	rmCompleted   bool
	pauseAllFlag  bool
	resumeAllFlag bool
)

func init() {
	pauseCmd := &cobra.Command{
		Use:   "pause [id]",
		Short: "Pause a download, or every active download with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromFlags()
			if pauseAllFlag {
				if err := c.PauseAll(context.Background()); err != nil {
					return err
				}
				fmt.Printf("%s paused all\n", color.GreenString("✓"))
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("pause requires an <id>, or --all")
			}
			if err := c.Pause(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s pause %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
	pauseCmd.Flags().BoolVar(&pauseAllFlag, "all", false, "pause every active download")
	rootCmd.AddCommand(pauseCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume [id]",
		Short: "Resume a paused or failed download, or every paused download with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromFlags()
			if resumeAllFlag {
				if err := c.ResumeAll(context.Background()); err != nil {
					return err
				}
				fmt.Printf("%s resumed all\n", color.GreenString("✓"))
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("resume requires an <id>, or --all")
			}
			if err := c.Resume(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s resume %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
	resumeCmd.Flags().BoolVar(&resumeAllFlag, "all", false, "resume every paused download")
	rootCmd.AddCommand(resumeCmd)

	rootCmd.AddCommand(idCommand("cancel", "Cancel a download, keeping the partial file", func(ctx context.Context, c *client, id string) error {
		return c.Cancel(ctx, id)
	}))
	rootCmd.AddCommand(idCommand("retry", "Reset a failed download's retry state and re-enqueue it", func(ctx context.Context, c *client, id string) error {
		return c.Retry(ctx, id)
	}))

	rmCmd := &cobra.Command{
		Use:   "rm [id]",
		Short: "Remove a download's record, or every completed record with --completed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromFlags()
			if rmCompleted {
				n, err := c.DeleteCompleted(context.Background())
				if err != nil {
					return err
				}
				fmt.Printf("%s removed %d completed download(s)\n", color.GreenString("✓"), n)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("rm requires an <id>, or --completed")
			}
			if err := c.Delete(context.Background(), args[0], rmDeleteFile); err != nil {
				return err
			}
			fmt.Printf("%s rm %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
	rmCmd.Flags().BoolVar(&rmDeleteFile, "delete-file", false, "also delete the downloaded file from disk")
	rmCmd.Flags().BoolVar(&rmCompleted, "completed", false, "remove every completed download's record")
	rootCmd.AddCommand(rmCmd)
}
