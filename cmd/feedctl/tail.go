package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/scope"
	"github.com/spf13/cobra"
)

func init() {
	tailCmd.Flags().String("org", "", "organization id")
	tailCmd.Flags().String("user", "", "viewing user id")
	tailCmd.Flags().StringSlice("thread", nil, "thread ids to watch in addition to the user and org channels")
	_ = tailCmd.MarkFlagRequired("org")
	_ = tailCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print change events and subscription statuses for a viewer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		userID, _ := cmd.Flags().GetString("user")
		threadIDs, _ := cmd.Flags().GetStringSlice("thread")

		feed, err := openFeed(cmd)
		if err != nil {
			return err
		}
		defer feed.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sub, err := feed.Subscribe(ctx, scope.New(scope.Identity{UserID: userID, OrgID: orgID}, threadIDs))
		if err != nil {
			return err
		}
		defer sub.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", sub.Name(), sub.Status())

		out := json.NewEncoder(cmd.OutOrStdout())
		for {
			select {
			case <-ctx.Done():
				return nil
			case status, ok := <-sub.Statuses():
				if !ok {
					return nil
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", sub.Name(), status)
			case ev, ok := <-sub.Events():
				if !ok {
					return nil
				}
				payload, err := changefeed.Encode(ev)
				if err != nil {
					return err
				}
				if err := out.Encode(json.RawMessage(payload)); err != nil {
					return err
				}
			}
		}
	},
}

func openFeed(cmd *cobra.Command) (*changefeed.Feed, error) {
	redisURL, _ := cmd.Flags().GetString("redis")
	return changefeed.NewFeedFromURL(redisURL, cfg.SubscribeTimeout)
}
