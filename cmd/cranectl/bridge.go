package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/crane-dl/crane/internal/nativebridge"
)

var bridgeCmd = &cobra.Command{
	Use:    "bridge",
	Short:  "Run the browser-extension native-messaging bridge over stdin/stdout",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}

// runBridge loops nativebridge.Bridge.Serve over r/w, delegating admission
// to the running daemon's add_download endpoint so the bridge process
// itself stays stateless, per spec.md §6.
func runBridge(r io.Reader, w io.Writer) error {
	c := newClientFromFlags()
	b := nativebridge.New(r, w, func(url, filename string, fileSize int64, referrer string) (string, bool, error) {
		id, err := c.AddDownload(context.Background(), url, addOptions{Referrer: referrer})
		return id, false, err
	})

	for {
		if err := b.Serve(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
