package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"classbridge/api/internal/changefeed"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish [envelope-file]",
	Short: "Publish change envelopes, one JSON object per line, from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		feed, err := openFeed(cmd)
		if err != nil {
			return err
		}
		defer feed.Close()

		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		line, published := 0, 0
		for scanner.Scan() {
			line++
			payload := bytes.TrimSpace(scanner.Bytes())
			if len(payload) == 0 {
				continue
			}
			ev, err := changefeed.Decode(payload)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			if err := feed.Publish(cmd.Context(), ev); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			published++
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %d events\n", published)
		return nil
	},
}
